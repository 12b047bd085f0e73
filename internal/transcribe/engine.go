package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
)

// Engine is one transcription backend. Load opens an installed artifact
// on behalf of the model manager; Transcribe runs inference against the
// loaded instance, honoring ctx at its cancellation checkpoints.
type Engine interface {
	Name() string
	Load(path string) (model.Instance, error)
	Transcribe(ctx context.Context, inst model.Instance, samples []float32) (string, error)
}

// New selects the backend named by transcribe.engine.
func New(cfg config.TranscribeConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Engine {
	case "whisper":
		return newWhisperEngine(cfg, logger), nil
	case "exec":
		return newExecEngine(cfg)
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown transcribe engine %q", cfg.Engine)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
)

// whisperEngine runs inference in process through the whisper.cpp
// bindings. The manager keeps one Model resident; each call decodes on a
// fresh Context so no state leaks between sessions.
type whisperEngine struct {
	cfg    config.TranscribeConfig
	logger *slog.Logger
}

func newWhisperEngine(cfg config.TranscribeConfig, logger *slog.Logger) Engine {
	return &whisperEngine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "transcribe.whisper")),
	}
}

func (e *whisperEngine) Name() string { return "whisper" }

type whisperInstance struct {
	model whisper.Model
}

func (w *whisperInstance) Close() error { return w.model.Close() }

func (e *whisperEngine) Load(path string) (model.Instance, error) {
	m, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	return &whisperInstance{model: m}, nil
}

// decodeParams is one rung of the retry ladder. whisper.cpp can fail with
// aggressive settings on some machines; each rung narrows the search and
// the thread count before giving up, and multilingual models get a final
// chance with language detection.
type decodeParams struct {
	language string
	beamSize int
	threads  uint
}

const maxAutoThreads = 6

func (e *whisperEngine) threads() uint {
	if e.cfg.Threads > 0 {
		return uint(e.cfg.Threads)
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > maxAutoThreads {
		n = maxAutoThreads
	}
	return uint(n)
}

func (e *whisperEngine) ladder(multilingual bool) []decodeParams {
	lang := e.cfg.Language
	rungs := []decodeParams{
		{language: lang, beamSize: 2, threads: e.threads()},
		{language: lang, threads: 1},
		{language: lang, threads: 2},
		{language: lang, threads: 3},
	}
	if multilingual && lang != "auto" {
		rungs = append(rungs,
			decodeParams{language: "auto", threads: 1},
			decodeParams{language: "auto", threads: 2},
		)
	}
	return rungs
}

func (e *whisperEngine) Transcribe(ctx context.Context, inst model.Instance, samples []float32) (string, error) {
	wi, ok := inst.(*whisperInstance)
	if !ok {
		return "", fmt.Errorf("instance is not a whisper model")
	}

	var lastErr error
	for _, p := range e.ladder(wi.model.IsMultilingual()) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := e.decode(ctx, wi.model, samples, p)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		e.logger.Warn("decode attempt failed",
			slog.String("language", p.language),
			slog.Int("beam_size", p.beamSize),
			slog.Uint64("threads", uint64(p.threads)),
			slogError(err))
	}
	return "", fmt.Errorf("all decode attempts failed: %w", lastErr)
}

func (e *whisperEngine) decode(ctx context.Context, m whisper.Model, samples []float32, p decodeParams) (string, error) {
	wctx, err := m.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if p.language != "" && m.IsMultilingual() {
		if err := wctx.SetLanguage(p.language); err != nil {
			return "", fmt.Errorf("set language %q: %w", p.language, err)
		}
	}
	wctx.SetThreads(p.threads)
	if p.beamSize > 0 {
		wctx.SetBeamSize(p.beamSize)
	}

	// The encoder-begin callback is the cancellation checkpoint: returning
	// false makes whisper.cpp abandon the run at the next chunk boundary.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		parts = append(parts, seg.Text)
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

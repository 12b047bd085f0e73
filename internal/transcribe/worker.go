package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// Request is one captured utterance handed to the worker.
type Request struct {
	SessionID  string
	Samples    []float32
	SampleRate int
}

// Outcome is what a completed processing pass reports back. An empty Text
// with the too-short annotation means the gate rejected the capture; that
// is a result, not an error.
type Outcome struct {
	Text         string
	Annotation   string
	Model        string
	SwitchedFrom string
	TranscribeMS int64
}

// Worker turns raw capture audio into text: resample to the model rate,
// condition the signal, gate out captures without usable speech, then run
// the engine against a leased model. The model lease and the inference
// share one deadline from transcribe.timeout_ms, and ctx cancellation
// aborts the pass at the next checkpoint.
type Worker struct {
	cfg     config.TranscribeConfig
	gate    audio.GateConfig
	engine  Engine
	manager *model.Manager
	catalog *model.Catalog
	dumpDir string
	logger  *slog.Logger
}

func NewWorker(cfg config.TranscribeConfig, gate audio.GateConfig, engine Engine, manager *model.Manager, catalog *model.Catalog, dumpDir string, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		gate:    gate,
		engine:  engine,
		manager: manager,
		catalog: catalog,
		dumpDir: dumpDir,
		logger:  logger.With(slog.String("component", "transcribe")),
	}
}

func (w *Worker) Process(ctx context.Context, req Request) (Outcome, error) {
	logger := w.logger.With(slog.String("session_id", req.SessionID))

	resampler, err := audio.NewResampler(req.SampleRate)
	if err != nil {
		return Outcome{}, err
	}
	samples := resampler.Process(req.Samples)
	samples = append(samples, resampler.Flush()...)

	gain := audio.Condition(samples)
	stats := audio.Analyze(samples)
	logger.Debug("capture conditioned",
		slog.Int("samples", len(samples)),
		slog.Float64("rms", stats.RMS),
		slog.Float64("peak", stats.Peak),
		slog.Float64("active_ratio", stats.ActiveRatio),
		slog.Float64("gain", gain))

	// The gate runs before any model work, so a too-short capture never
	// pays for a model load.
	decision := audio.Gate(samples, w.gate)
	if !decision.Accepted {
		logger.Info("capture below speech floor", slog.Int("speech_ms", decision.SpeechMS))
		return Outcome{Annotation: protocol.AnnotationTooShort}, nil
	}
	speech := samples[decision.Start:decision.End]

	if w.dumpDir != "" {
		if path, err := audio.DumpWAV(w.dumpDir, req.SessionID, speech, audio.ModelRate); err != nil {
			logger.Warn("debug wav dump failed", slogError(err))
		} else {
			logger.Debug("debug wav dumped", slog.String("path", path))
		}
	}

	desc, switchedFrom, err := w.catalog.ResolveForUse()
	if err != nil {
		return Outcome{}, err
	}
	if switchedFrom != "" {
		// The fallback becomes the selection, as if the user had switched.
		w.catalog.SetActive(desc.FileName)
		logger.Warn("active model missing, using fallback",
			slog.String("missing", switchedFrom),
			slog.String("using", desc.FileName))
	}

	tctx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	handle, err := w.manager.Acquire(tctx, desc)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire model: %w", err)
	}
	defer handle.Release()

	started := time.Now()
	text, err := w.engine.Transcribe(tctx, handle.Instance(), speech)
	took := time.Since(started)
	if err != nil {
		return Outcome{}, err
	}

	logger.Info("transcription complete",
		slog.String("model", desc.FileName),
		slog.Duration("took", took),
		slog.Int("chars", len(text)))

	return Outcome{
		Text:         text,
		Model:        desc.FileName,
		SwitchedFrom: switchedFrom,
		TranscribeMS: took.Milliseconds(),
	}, nil
}

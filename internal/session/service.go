package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/transcribe"
)

const (
	noticeStillRunning = "Transcription is still running. Please wait."
	noticeCancelling   = "Cancelling transcription..."
	noticeCancelled    = "Transcription cancelled."

	msgNoModels   = "No installed model available. Download a model or add a .bin file in the models directory."
	msgDeviceLost = "Audio input device was lost during recording."
	msgTimeout    = "Transcription timed out."

	// Transcriptions slower than this get a model-size hint in the notice.
	slowTranscribeMS = 15000

	defaultIntentQueue = 32
)

type workerResult struct {
	outcome transcribe.Outcome
	err     error
}

// Service owns the recording session lifecycle. A single goroutine consumes
// intents in arrival order and drives the state machine, so there is never
// more than one recording or one transcription pass in flight. Intents that
// do not apply in the current state are dropped, which makes every action
// idempotent from a client's point of view.
type Service struct {
	cfg        config.SessionConfig
	bus        *bus.Client
	controller *audio.Controller
	worker     *transcribe.Worker
	catalog    *model.Catalog
	logger     *slog.Logger

	// copyText places a finished transcript on the system clipboard.
	// Swappable so tests do not touch the real clipboard.
	copyText func(string) error

	meter       metric.Meter
	transcripts metric.Int64Counter

	ctx       context.Context
	cancel    context.CancelFunc
	sub       *nats.Subscription
	statusSub *nats.Subscription
	wg        sync.WaitGroup

	intents chan protocol.SessionIntent

	mu    sync.Mutex
	state State
	live  Session

	// Owned by the run goroutine.
	capture    *audio.Capture
	procCancel context.CancelFunc
	workerDone chan workerResult

	ready bool
}

func NewService(parent context.Context, cfg config.SessionConfig, busClient *bus.Client, controller *audio.Controller, worker *transcribe.Worker, catalog *model.Catalog, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	queue := cfg.IntentQueueSize
	if queue <= 0 {
		queue = defaultIntentQueue
	}
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		worker:     worker,
		catalog:    catalog,
		logger:     logger.With(slog.String("component", "session")),
		copyText:   clipboard.WriteAll,
		meter:      otel.Meter("github.com/scribelabs/scribe-core/session"),
		ctx:        ctx,
		cancel:     cancel,
		intents:    make(chan protocol.SessionIntent, queue),
		state:      Idle,
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	stateGauge, err := s.meter.Int64ObservableGauge("scribe.session.state",
		metric.WithDescription("Current session state (0 idle, 1 recording, 2 processing, 3 cancelling)"))
	if err != nil {
		return err
	}
	if _, err := s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(stateGauge, int64(s.currentState()))
		return nil
	}, stateGauge); err != nil {
		return err
	}
	transcripts, err := s.meter.Int64Counter("scribe.transcriptions.total",
		metric.WithDescription("Finished transcription passes by result"))
	if err != nil {
		return err
	}
	s.transcripts = transcripts
	return nil
}

func (s *Service) countResult(result string) {
	if s.transcripts == nil {
		return
	}
	s.transcripts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionIntent, s.handleIntent)
	if err != nil {
		return fmt.Errorf("subscribe session intents: %w", err)
	}
	s.sub = sub

	statusSub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionStatus, s.handleStatus)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe session status: %w", err)
	}
	s.statusSub = statusSub

	s.wg.Add(1)
	go s.run()

	s.ready = true
	s.logger.Info("session service started")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.statusSub != nil {
		_ = s.statusSub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

// handleIntent runs on the subscription dispatcher. Enqueueing blocks when
// the queue is full, which preserves arrival order instead of dropping or
// reordering bursts.
func (s *Service) handleIntent(msg *nats.Msg) {
	var intent protocol.SessionIntent
	if err := json.Unmarshal(msg.Data, &intent); err != nil {
		s.logger.Warn("failed to unmarshal session intent", slogError(err))
		return
	}
	select {
	case s.intents <- intent:
	case <-s.ctx.Done():
	}
}

func (s *Service) handleStatus(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	state, live := s.snapshot()
	reply := protocol.StatusReply{
		State:       state.String(),
		ActiveModel: s.catalog.Active(),
		Models:      s.catalog.List(),
		Audio:       s.controller.InputStatus(),
	}
	if state != Idle {
		reply.SessionID = live.ID
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal status reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to status query", slogError(err))
	}
}

// run is the session executor. Each state listens for the inputs that can
// move it: Recording additionally watches the capture's hard-limit and
// device-loss signals, Processing and Cancelling watch for the worker
// result.
func (s *Service) run() {
	defer s.wg.Done()
	for {
		switch s.currentState() {
		case Recording:
			select {
			case <-s.ctx.Done():
				s.shutdown()
				return
			case intent := <-s.intents:
				s.apply(intent)
			case <-s.capture.HardLimitC():
				s.finishRecording(protocol.StopReasonHardLimit)
			case err := <-s.capture.LostC():
				s.deviceLost(err)
			}
		case Processing, Cancelling:
			select {
			case <-s.ctx.Done():
				s.shutdown()
				return
			case intent := <-s.intents:
				s.apply(intent)
			case res := <-s.workerDone:
				s.finishProcessing(res)
			}
		default:
			select {
			case <-s.ctx.Done():
				s.shutdown()
				return
			case intent := <-s.intents:
				s.apply(intent)
			}
		}
	}
}

func (s *Service) apply(intent protocol.SessionIntent) {
	state := s.currentState()

	if intent.Action == protocol.ActionToggle {
		switch state {
		case Idle:
			s.startSession(intent.Mode)
		case Recording:
			s.finishRecording(protocol.StopReasonUser)
		default:
			s.publishNotice(noticeStillRunning)
		}
		return
	}

	if !state.permits(intent.Action) {
		s.logger.Debug("dropping intent", slogError(&InvalidTransitionError{State: state, Action: intent.Action}))
		if intent.Action == protocol.ActionStart && (state == Processing || state == Cancelling) {
			s.publishNotice(noticeStillRunning)
		}
		return
	}

	switch intent.Action {
	case protocol.ActionStart:
		s.startSession(intent.Mode)
	case protocol.ActionStop:
		s.finishRecording(protocol.StopReasonUser)
	case protocol.ActionCancel:
		s.cancelProcessing()
	}
}

func (s *Service) startSession(mode string) {
	if mode == "" {
		mode = protocol.ModePushToTalk
	}
	if _, _, err := s.catalog.ResolveForUse(); err != nil {
		s.logger.Warn("cannot start recording", slogError(err))
		s.publishError("", msgNoModels, true)
		return
	}
	capture, err := s.controller.Start()
	if err != nil {
		s.logger.Warn("failed to open audio input", slogError(err))
		s.publishError("", fmt.Sprintf("Could not start recording: %v", err), true)
		return
	}

	id := uuid.NewString()
	s.capture = capture
	s.setState(Recording, Session{ID: id, Mode: mode, StartedAt: time.Now().UTC()})
	s.logger.Info("recording started",
		slog.String("session_id", id),
		slog.String("mode", mode),
		slog.Int("sample_rate", capture.SampleRate()))
	s.publish(protocol.SessionEvent{Type: protocol.EventRecordingStarted, SessionID: id})
}

func (s *Service) finishRecording(reason string) {
	captured := s.capture.Stop()
	s.capture = nil
	if captured.HardLimit {
		reason = protocol.StopReasonHardLimit
	}

	_, live := s.snapshot()
	live.StopReason = reason
	live.SampleCount = captured.SampleCount
	live.AudioMS = captured.DurationMS

	s.publish(protocol.SessionEvent{
		Type:       protocol.EventRecordingStopped,
		SessionID:  live.ID,
		StopReason: reason,
		DurationMS: captured.DurationMS,
	})
	if reason == protocol.StopReasonHardLimit {
		secs := int(math.Round(float64(captured.DurationMS) / 1000))
		s.publishNotice(fmt.Sprintf("Recording exceeded %d seconds. Only the first %d seconds were transcribed.", secs, secs))
	}
	if captured.Dropped > 0 {
		s.logger.Warn("capture dropped samples",
			slog.String("session_id", live.ID),
			slog.Int64("dropped", captured.Dropped))
	}

	procCtx, cancel := context.WithCancel(s.ctx)
	s.procCancel = cancel
	s.workerDone = make(chan workerResult, 1)
	done := s.workerDone
	s.setState(Processing, live)
	s.logger.Info("processing started",
		slog.String("session_id", live.ID),
		slog.Int64("audio_ms", captured.DurationMS))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.worker.Process(procCtx, transcribe.Request{
			SessionID:  live.ID,
			Samples:    captured.Samples,
			SampleRate: captured.SampleRate,
		})
		done <- workerResult{outcome: out, err: err}
	}()
}

func (s *Service) deviceLost(err error) {
	s.capture.Abort()
	s.capture = nil

	_, live := s.snapshot()
	s.logger.Warn("audio device lost", slog.String("session_id", live.ID), slogError(err))
	s.publish(protocol.SessionEvent{
		Type:       protocol.EventRecordingStopped,
		SessionID:  live.ID,
		StopReason: protocol.StopReasonDeviceLost,
	})
	s.publishError(live.ID, msgDeviceLost, true)
	s.setState(Idle, Session{})
}

func (s *Service) cancelProcessing() {
	_, live := s.snapshot()
	s.setState(Cancelling, live)
	s.procCancel()
	s.publishNotice(noticeCancelling)
	s.logger.Info("cancelling transcription", slog.String("session_id", live.ID))
}

// finishProcessing maps the worker result onto events. A session that was
// cancelled ends in Idle without a result even when the worker finished
// successfully in the race window.
func (s *Service) finishProcessing(res workerResult) {
	s.procCancel()
	s.procCancel = nil
	s.workerDone = nil

	state, live := s.snapshot()
	defer s.setState(Idle, Session{})

	if state == Cancelling || errors.Is(res.err, context.Canceled) {
		s.countResult("cancelled")
		s.publish(protocol.SessionEvent{Type: protocol.EventTranscriptionCancelled, SessionID: live.ID})
		s.publishNotice(noticeCancelled)
		s.logger.Info("transcription cancelled", slog.String("session_id", live.ID))
		return
	}

	if res.err != nil {
		msg := fmt.Sprintf("Transcription failed: %v", res.err)
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			msg = msgTimeout
		case errors.Is(res.err, model.ErrNoModels), errors.Is(res.err, model.ErrNotInstalled):
			msg = msgNoModels
		}
		s.countResult("error")
		s.logger.Warn("transcription failed", slog.String("session_id", live.ID), slogError(res.err))
		s.publishError(live.ID, msg, true)
		return
	}

	out := res.outcome
	if out.Annotation == protocol.AnnotationTooShort {
		s.countResult("no-speech")
		s.publish(protocol.SessionEvent{
			Type:       protocol.EventTranscriptionComplete,
			SessionID:  live.ID,
			Annotation: out.Annotation,
			DurationMS: live.AudioMS,
		})
		s.logger.Info("capture below speech threshold", slog.String("session_id", live.ID))
		return
	}

	if out.SwitchedFrom != "" {
		s.publishNotice(fmt.Sprintf("Active model '%s' is missing. Switched to '%s'.", out.SwitchedFrom, out.Model))
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		text = protocol.EmptyTranscript
	}

	s.countResult("complete")
	copied := false
	if s.cfg.AutoCopy {
		if err := s.copyText(text); err != nil {
			s.logger.Warn("failed to copy transcript", slog.String("session_id", live.ID), slogError(err))
		} else {
			copied = true
		}
	}

	s.publish(protocol.SessionEvent{
		Type:         protocol.EventTranscriptionComplete,
		SessionID:    live.ID,
		Text:         text,
		DurationMS:   live.AudioMS,
		TranscribeMS: out.TranscribeMS,
		Model:        out.Model,
		AutoCopied:   copied,
		StopReason:   live.StopReason,
	})
	if out.TranscribeMS > slowTranscribeMS {
		s.publishNotice(fmt.Sprintf("Transcription took %.1fs. Consider a smaller model for faster response.", float64(out.TranscribeMS)/1000))
	}
	s.logger.Info("transcription complete",
		slog.String("session_id", live.ID),
		slog.String("model", out.Model),
		slog.Int64("transcribe_ms", out.TranscribeMS),
		slog.Int("chars", len(text)))
}

// shutdown releases whatever the current state holds before the executor
// exits. A processing pass is cancelled, not awaited; the worker goroutine
// delivers into the buffered result channel and exits on its own.
func (s *Service) shutdown() {
	state, _ := s.snapshot()
	switch state {
	case Recording:
		s.capture.Abort()
		s.capture = nil
	case Processing, Cancelling:
		s.procCancel()
	}
	s.setState(Idle, Session{})
}

func (s *Service) setState(state State, live Session) {
	s.mu.Lock()
	s.state = state
	s.live = live
	s.mu.Unlock()
}

func (s *Service) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) snapshot() (State, Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.live
}

func (s *Service) publish(event protocol.SessionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal session event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionEvent, data); err != nil {
		s.logger.Warn("failed to publish session event", slogError(err))
	}
}

func (s *Service) publishNotice(message string) {
	s.publish(protocol.SessionEvent{Type: protocol.EventNotice, Message: message})
}

func (s *Service) publishError(sessionID, message string, recoverable bool) {
	s.publish(protocol.SessionEvent{
		Type:        protocol.EventTranscriptionError,
		SessionID:   sessionID,
		Message:     message,
		Recoverable: recoverable,
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

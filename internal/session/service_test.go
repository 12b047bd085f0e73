package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
	"github.com/scribelabs/scribe-core/internal/natsserver"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/transcribe"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type envOptions struct {
	models         []string // model files to install; nil installs base.en
	active         string   // active selection; empty selects base.en
	captureSeconds int      // ring capacity; 0 means 30
	autoCopy       bool
	silent         bool // generator produces silence so the gate rejects
	failOpen       error
	engineText     string
	engineDelay    time.Duration
	engineErr      error
	timeoutMS      int
}

// sessionEnv is a full slice of the daemon: embedded NATS, synthetic audio,
// mock inference. The synthetic backend produces 200ms of audio every 2ms,
// so a few milliseconds of recording stand in for seconds of speech.
type sessionEnv struct {
	t       *testing.T
	backend *audio.SyntheticBackend
	engine  *transcribe.MockEngine
	catalog *model.Catalog
	manager *model.Manager
	service *Service
	conn    *nats.Conn
	events  chan protocol.SessionEvent
	copied  chan string
}

func newSessionEnv(t *testing.T, opts envOptions) *sessionEnv {
	t.Helper()
	logger := discardLogger()

	dir := t.TempDir()
	files := opts.models
	if files == nil {
		files = []string{"ggml-base.en.bin"}
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model-bytes"), 0o644); err != nil {
			t.Fatalf("write model file: %v", err)
		}
	}
	active := opts.active
	if active == "" {
		active = "ggml-base.en.bin"
	}
	catalog := model.NewCatalog(dir, active)

	engine := transcribe.NewMockEngine()
	engine.Text = opts.engineText
	if engine.Text == "" {
		engine.Text = "hello world"
	}
	engine.Delay = opts.engineDelay
	engine.Err = opts.engineErr

	manager := model.NewManager(catalog, engine.Load, 0, logger)
	t.Cleanup(func() { _ = manager.Close() })

	timeoutMS := opts.timeoutMS
	if timeoutMS == 0 {
		timeoutMS = 25000
	}
	worker := transcribe.NewWorker(
		config.TranscribeConfig{Engine: "mock", TimeoutMS: timeoutMS},
		audio.GateConfig{MinSpeechMS: 200},
		engine, manager, catalog, "", logger)

	backend := audio.NewSyntheticBackend(16000, 1)
	backend.TickInterval = 2 * time.Millisecond
	backend.FrameDuration = 200 * time.Millisecond
	if opts.silent {
		backend.SetSignal(func(float64) float32 { return 0 })
	}
	if opts.failOpen != nil {
		backend.FailNextOpen(opts.failOpen)
	}

	captureSeconds := opts.captureSeconds
	if captureSeconds == 0 {
		captureSeconds = 30
	}
	controller, err := audio.NewController(config.AudioConfig{
		Backend:        "synthetic",
		SampleRate:     16000,
		CaptureSeconds: captureSeconds,
		OverflowPolicy: "keep-first",
	}, backend, logger)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.SessionConfig{
		AutoCopy:        opts.autoCopy,
		IntentQueueSize: 8,
	}, client, controller, worker, catalog, logger)
	copied := make(chan string, 4)
	svc.copyText = func(text string) error {
		copied <- text
		return nil
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect test client: %v", err)
	}
	t.Cleanup(conn.Close)

	events := make(chan protocol.SessionEvent, 64)
	if _, err := conn.Subscribe(protocol.SubjectSessionEvent, func(msg *nats.Msg) {
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe session events: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("start session service: %v", err)
	}
	t.Cleanup(svc.Close)

	return &sessionEnv{
		t:       t,
		backend: backend,
		engine:  engine,
		catalog: catalog,
		manager: manager,
		service: svc,
		conn:    conn,
		events:  events,
		copied:  copied,
	}
}

func (e *sessionEnv) sendIntent(intent protocol.SessionIntent) {
	e.t.Helper()
	data, err := json.Marshal(intent)
	if err != nil {
		e.t.Fatalf("marshal intent: %v", err)
	}
	if err := e.conn.Publish(protocol.SubjectSessionIntent, data); err != nil {
		e.t.Fatalf("publish intent: %v", err)
	}
	if err := e.conn.Flush(); err != nil {
		e.t.Fatalf("flush intent: %v", err)
	}
}

func (e *sessionEnv) send(action string) {
	e.t.Helper()
	e.sendIntent(protocol.SessionIntent{Action: action})
}

// next returns the next event in publish order.
func (e *sessionEnv) next(timeout time.Duration) (protocol.SessionEvent, bool) {
	select {
	case ev := <-e.events:
		return ev, true
	case <-time.After(timeout):
		return protocol.SessionEvent{}, false
	}
}

// await skips events until one of the wanted type arrives.
func (e *sessionEnv) await(eventType string, timeout time.Duration) protocol.SessionEvent {
	e.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("timed out waiting for %s event", eventType)
			return protocol.SessionEvent{}
		}
	}
}

func (e *sessionEnv) expectQuiet(d time.Duration) {
	e.t.Helper()
	select {
	case ev := <-e.events:
		e.t.Fatalf("unexpected %s event: %+v", ev.Type, ev)
	case <-time.After(d):
	}
}

func (e *sessionEnv) status() protocol.StatusReply {
	e.t.Helper()
	msg, err := e.conn.Request(protocol.SubjectSessionStatus, nil, 2*time.Second)
	if err != nil {
		e.t.Fatalf("status request: %v", err)
	}
	var reply protocol.StatusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		e.t.Fatalf("unmarshal status reply: %v", err)
	}
	return reply
}

// record starts a session and lets the synthetic stream accumulate audio.
func (e *sessionEnv) record(d time.Duration) protocol.SessionEvent {
	e.t.Helper()
	e.send(protocol.ActionStart)
	started := e.await(protocol.EventRecordingStarted, 2*time.Second)
	time.Sleep(d)
	return started
}

func TestSessionLifecycleCompletes(t *testing.T) {
	env := newSessionEnv(t, envOptions{})

	started := env.record(30 * time.Millisecond)
	if started.SessionID == "" {
		t.Fatal("recording-started carries no session id")
	}

	env.send(protocol.ActionStop)
	stopped := env.await(protocol.EventRecordingStopped, 2*time.Second)
	if stopped.SessionID != started.SessionID {
		t.Fatalf("stopped session %q, started %q", stopped.SessionID, started.SessionID)
	}
	if stopped.StopReason != protocol.StopReasonUser {
		t.Fatalf("stop reason = %q, want %q", stopped.StopReason, protocol.StopReasonUser)
	}
	if stopped.DurationMS <= 0 {
		t.Fatalf("stopped duration = %d, want > 0", stopped.DurationMS)
	}

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if done.Text != "hello world" {
		t.Fatalf("transcript = %q", done.Text)
	}
	if done.Model != "ggml-base.en.bin" {
		t.Fatalf("model = %q", done.Model)
	}
	if done.SessionID != started.SessionID {
		t.Fatalf("complete session %q, started %q", done.SessionID, started.SessionID)
	}
	if done.AutoCopied {
		t.Fatal("auto-copy disabled but event says copied")
	}

	if reply := env.status(); reply.State != "idle" || reply.SessionID != "" {
		t.Fatalf("status after completion = %+v", reply)
	}
}

func TestSessionAutoCopiesTranscript(t *testing.T) {
	env := newSessionEnv(t, envOptions{autoCopy: true})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if !done.AutoCopied {
		t.Fatal("expected auto_copied on the completion event")
	}
	select {
	case text := <-env.copied:
		if text != "hello world" {
			t.Fatalf("copied %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript never reached the clipboard")
	}
}

func TestSessionHardLimitStopsRecording(t *testing.T) {
	env := newSessionEnv(t, envOptions{captureSeconds: 1})

	started := env.record(0)

	stopped := env.await(protocol.EventRecordingStopped, 3*time.Second)
	if stopped.StopReason != protocol.StopReasonHardLimit {
		t.Fatalf("stop reason = %q, want %q", stopped.StopReason, protocol.StopReasonHardLimit)
	}
	if stopped.SessionID != started.SessionID {
		t.Fatalf("stopped session %q, started %q", stopped.SessionID, started.SessionID)
	}
	if stopped.DurationMS != 1000 {
		t.Fatalf("kept %dms of audio, want exactly the 1000ms cap", stopped.DurationMS)
	}

	notice := env.await(protocol.EventNotice, 2*time.Second)
	want := "Recording exceeded 1 seconds. Only the first 1 seconds were transcribed."
	if notice.Message != want {
		t.Fatalf("notice = %q, want %q", notice.Message, want)
	}

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if done.Text != "hello world" {
		t.Fatalf("transcript = %q", done.Text)
	}
	if done.StopReason != protocol.StopReasonHardLimit {
		t.Fatalf("complete stop reason = %q", done.StopReason)
	}
}

func TestSessionCancelDuringProcessing(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineDelay: 3 * time.Second})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	env.send(protocol.ActionCancel)

	ev, ok := env.next(2 * time.Second)
	if !ok || ev.Type != protocol.EventNotice || ev.Message != "Cancelling transcription..." {
		t.Fatalf("expected cancelling notice, got %+v", ev)
	}
	ev, ok = env.next(2 * time.Second)
	if !ok || ev.Type != protocol.EventTranscriptionCancelled {
		t.Fatalf("expected transcription-cancelled, got %+v", ev)
	}
	ev, ok = env.next(2 * time.Second)
	if !ok || ev.Type != protocol.EventNotice || ev.Message != "Transcription cancelled." {
		t.Fatalf("expected cancelled notice, got %+v", ev)
	}

	env.expectQuiet(300 * time.Millisecond)
	if reply := env.status(); reply.State != "idle" {
		t.Fatalf("state after cancel = %q", reply.State)
	}
}

func TestSessionDropsIntentsThatDoNotApply(t *testing.T) {
	env := newSessionEnv(t, envOptions{})

	env.send(protocol.ActionStop)
	env.send(protocol.ActionCancel)
	env.expectQuiet(200 * time.Millisecond)

	started := env.record(0)

	env.send(protocol.ActionStart)
	env.expectQuiet(200 * time.Millisecond)

	env.send(protocol.ActionStop)
	stopped := env.await(protocol.EventRecordingStopped, 2*time.Second)
	if stopped.SessionID != started.SessionID {
		t.Fatalf("a dropped start replaced the session: %q vs %q", stopped.SessionID, started.SessionID)
	}
	env.await(protocol.EventTranscriptionComplete, 5*time.Second)
}

func TestSessionStartFailsWithoutModels(t *testing.T) {
	env := newSessionEnv(t, envOptions{models: []string{}})

	env.send(protocol.ActionStart)
	ev := env.await(protocol.EventTranscriptionError, 2*time.Second)
	if ev.Message != msgNoModels {
		t.Fatalf("message = %q", ev.Message)
	}
	if !ev.Recoverable {
		t.Fatal("missing models should be recoverable")
	}
	if reply := env.status(); reply.State != "idle" {
		t.Fatalf("state = %q", reply.State)
	}
}

func TestSessionStartFailsWhenDeviceWontOpen(t *testing.T) {
	env := newSessionEnv(t, envOptions{failOpen: errors.New("device busy")})

	env.send(protocol.ActionStart)
	ev := env.await(protocol.EventTranscriptionError, 2*time.Second)
	if !strings.Contains(ev.Message, "Could not start recording") || !strings.Contains(ev.Message, "device busy") {
		t.Fatalf("message = %q", ev.Message)
	}
	if !ev.Recoverable {
		t.Fatal("device-open failure should be recoverable")
	}

	// The failure consumed the fault, so the next start works.
	started := env.record(0)
	if started.SessionID == "" {
		t.Fatal("second start did not begin a session")
	}
}

func TestSessionDeviceLossEndsSession(t *testing.T) {
	env := newSessionEnv(t, envOptions{})

	started := env.record(20 * time.Millisecond)
	env.backend.DropDelivery()

	stopped := env.await(protocol.EventRecordingStopped, 5*time.Second)
	if stopped.StopReason != protocol.StopReasonDeviceLost {
		t.Fatalf("stop reason = %q, want %q", stopped.StopReason, protocol.StopReasonDeviceLost)
	}
	if stopped.SessionID != started.SessionID {
		t.Fatalf("stopped session %q, started %q", stopped.SessionID, started.SessionID)
	}

	ev, ok := env.next(2 * time.Second)
	if !ok || ev.Type != protocol.EventTranscriptionError {
		t.Fatalf("expected transcription-error, got %+v", ev)
	}
	if ev.Message != msgDeviceLost || !ev.Recoverable {
		t.Fatalf("error event = %+v", ev)
	}

	env.expectQuiet(300 * time.Millisecond)
	if reply := env.status(); reply.State != "idle" {
		t.Fatalf("state after device loss = %q", reply.State)
	}
}

func TestSessionShortCaptureAnnotated(t *testing.T) {
	env := newSessionEnv(t, envOptions{silent: true})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if done.Annotation != protocol.AnnotationTooShort {
		t.Fatalf("annotation = %q, want %q", done.Annotation, protocol.AnnotationTooShort)
	}
	if done.Text != "" {
		t.Fatalf("transcript = %q, want empty", done.Text)
	}
	if done.DurationMS <= 0 {
		t.Fatalf("duration = %d, want > 0", done.DurationMS)
	}
	if done.Model != "" {
		t.Fatalf("rejected capture still names model %q", done.Model)
	}
}

func TestSessionNormalizesEmptyTranscript(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineText: " "})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if done.Text != "(No speech detected)" {
		t.Fatalf("transcript = %q", done.Text)
	}
}

func TestSessionToggleDrivesLifecycle(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineDelay: 500 * time.Millisecond})

	env.sendIntent(protocol.SessionIntent{Action: protocol.ActionToggle, Mode: protocol.ModeToggle})
	started := env.await(protocol.EventRecordingStarted, 2*time.Second)
	time.Sleep(20 * time.Millisecond)

	env.send(protocol.ActionToggle)
	stopped := env.await(protocol.EventRecordingStopped, 2*time.Second)
	if stopped.StopReason != protocol.StopReasonUser {
		t.Fatalf("toggle stop reason = %q", stopped.StopReason)
	}
	if stopped.SessionID != started.SessionID {
		t.Fatalf("toggle stopped session %q, started %q", stopped.SessionID, started.SessionID)
	}

	// A third toggle lands while the worker is still busy.
	env.send(protocol.ActionToggle)
	notice := env.await(protocol.EventNotice, 2*time.Second)
	if notice.Message != noticeStillRunning {
		t.Fatalf("notice = %q", notice.Message)
	}

	env.await(protocol.EventTranscriptionComplete, 5*time.Second)
}

func TestSessionStartDuringProcessingNotifies(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineDelay: 500 * time.Millisecond})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	env.send(protocol.ActionStart)
	notice := env.await(protocol.EventNotice, 2*time.Second)
	if notice.Message != noticeStillRunning {
		t.Fatalf("notice = %q", notice.Message)
	}

	env.await(protocol.EventTranscriptionComplete, 5*time.Second)
}

func TestSessionStatusDuringRecording(t *testing.T) {
	env := newSessionEnv(t, envOptions{})

	started := env.record(20 * time.Millisecond)

	reply := env.status()
	if reply.State != "recording" {
		t.Fatalf("state = %q", reply.State)
	}
	if reply.SessionID != started.SessionID {
		t.Fatalf("status session %q, started %q", reply.SessionID, started.SessionID)
	}
	if reply.ActiveModel != "ggml-base.en.bin" {
		t.Fatalf("active model = %q", reply.ActiveModel)
	}
	if !reply.Audio.OK {
		t.Fatal("audio status not ok")
	}
	var found bool
	for _, m := range reply.Models {
		if m.FileName == "ggml-base.en.bin" && m.Installed && m.Active {
			found = true
		}
	}
	if !found {
		t.Fatalf("models list missing installed active entry: %+v", reply.Models)
	}

	env.send(protocol.ActionStop)
	env.await(protocol.EventTranscriptionComplete, 5*time.Second)
}

func TestSessionReportsEngineFailure(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineErr: errors.New("inference exploded")})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	ev := env.await(protocol.EventTranscriptionError, 5*time.Second)
	if !strings.Contains(ev.Message, "Transcription failed") || !strings.Contains(ev.Message, "inference exploded") {
		t.Fatalf("message = %q", ev.Message)
	}
	if !ev.Recoverable {
		t.Fatal("engine failure should be recoverable")
	}
	if reply := env.status(); reply.State != "idle" {
		t.Fatalf("state = %q", reply.State)
	}
}

func TestSessionTranscriptionTimeout(t *testing.T) {
	env := newSessionEnv(t, envOptions{engineDelay: 10 * time.Second, timeoutMS: 100})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	ev := env.await(protocol.EventTranscriptionError, 3*time.Second)
	if ev.Message != msgTimeout {
		t.Fatalf("message = %q", ev.Message)
	}
	if !ev.Recoverable {
		t.Fatal("timeout should be recoverable")
	}
}

func TestSessionFallbackModelNotice(t *testing.T) {
	env := newSessionEnv(t, envOptions{
		models: []string{"ggml-tiny.en.bin"},
		active: "ggml-base.en.bin",
	})

	env.record(30 * time.Millisecond)
	env.send(protocol.ActionStop)
	env.await(protocol.EventRecordingStopped, 2*time.Second)

	notice := env.await(protocol.EventNotice, 5*time.Second)
	want := "Active model 'ggml-base.en.bin' is missing. Switched to 'ggml-tiny.en.bin'."
	if notice.Message != want {
		t.Fatalf("notice = %q, want %q", notice.Message, want)
	}

	done := env.await(protocol.EventTranscriptionComplete, 5*time.Second)
	if done.Model != "ggml-tiny.en.bin" {
		t.Fatalf("model = %q", done.Model)
	}
	if got := env.catalog.Active(); got != "ggml-tiny.en.bin" {
		t.Fatalf("fallback did not persist, active = %q", got)
	}
}

package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/natsserver"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// stageCatalogModel prepends a descriptor to the built-in catalog for the
// duration of one test, so download tests can point a known model at a
// local HTTP server.
func stageCatalogModel(t *testing.T, desc Descriptor) {
	t.Helper()
	orig := knownModels
	knownModels = append([]Descriptor{desc}, orig...)
	t.Cleanup(func() { knownModels = orig })
}

type serviceEnv struct {
	t       *testing.T
	dir     string
	catalog *Catalog
	service *Service
	conn    *nats.Conn
	model   chan protocol.ModelEvent
	session chan protocol.SessionEvent
}

func newServiceEnv(t *testing.T, files []string, active string) *serviceEnv {
	t.Helper()
	logger := discardLogger()

	dir := t.TempDir()
	for _, name := range files {
		writeModelFile(t, dir, name)
	}
	catalog := NewCatalog(dir, active)
	manager := NewManager(catalog, func(path string) (Instance, error) { return &fakeInstance{}, nil }, 0, logger)
	t.Cleanup(func() { _ = manager.Close() })

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

	svc := NewService(context.Background(), config.ModelsConfig{Dir: dir}, testDownloadConfig(3), client, catalog, manager, logger)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect test client: %v", err)
	}
	t.Cleanup(conn.Close)

	env := &serviceEnv{
		t:       t,
		dir:     dir,
		catalog: catalog,
		service: svc,
		conn:    conn,
		model:   make(chan protocol.ModelEvent, 64),
		session: make(chan protocol.SessionEvent, 64),
	}
	if _, err := conn.Subscribe(protocol.SubjectModelEvent, func(msg *nats.Msg) {
		var ev protocol.ModelEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			env.model <- ev
		}
	}); err != nil {
		t.Fatalf("subscribe model events: %v", err)
	}
	if _, err := conn.Subscribe(protocol.SubjectSessionEvent, func(msg *nats.Msg) {
		var ev protocol.SessionEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			env.session <- ev
		}
	}); err != nil {
		t.Fatalf("subscribe session events: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush subscriptions: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return env
}

func (e *serviceEnv) sendIntent(action, fileName string) {
	e.t.Helper()
	data, err := json.Marshal(protocol.ModelIntent{Action: action, FileName: fileName})
	if err != nil {
		e.t.Fatalf("marshal intent: %v", err)
	}
	if err := e.conn.Publish(protocol.SubjectModelIntent, data); err != nil {
		e.t.Fatalf("publish intent: %v", err)
	}
	if err := e.conn.Flush(); err != nil {
		e.t.Fatalf("flush intent: %v", err)
	}
}

func (e *serviceEnv) awaitModelEvent(evType string, timeout time.Duration) protocol.ModelEvent {
	e.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.model:
			if ev.Type == evType {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("no %s model event within %s", evType, timeout)
		}
	}
}

func (e *serviceEnv) awaitNotice(timeout time.Duration) protocol.SessionEvent {
	e.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.session:
			if ev.Type == protocol.EventNotice {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("no notice within %s", timeout)
		}
	}
}

func (e *serviceEnv) expectNoModelEvents(d time.Duration) {
	e.t.Helper()
	select {
	case ev := <-e.model:
		e.t.Fatalf("unexpected model event %q for %s", ev.Type, ev.FileName)
	case <-time.After(d):
	}
}

func TestModelServiceEnsureInstalledCompletesImmediately(t *testing.T) {
	env := newServiceEnv(t, []string{"ggml-base.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionEnsureModelInstalled, "ggml-base.en.bin")

	ev := env.awaitModelEvent(protocol.EventModelDownloadComplete, 3*time.Second)
	if ev.FileName != "ggml-base.en.bin" || ev.Percent != 100 {
		t.Fatalf("unexpected complete event: %+v", ev)
	}
}

func TestModelServiceEnsureUnknownModelFails(t *testing.T) {
	env := newServiceEnv(t, []string{"ggml-base.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionEnsureModelInstalled, "nope.bin")

	ev := env.awaitModelEvent(protocol.EventModelDownloadFailed, 3*time.Second)
	if ev.FileName != "nope.bin" {
		t.Fatalf("failure should name the requested file: %+v", ev)
	}
	if !strings.Contains(ev.Message, "unknown model") {
		t.Fatalf("failure should say the model is unknown: %q", ev.Message)
	}
}

func TestModelServiceSwitchInstalledModel(t *testing.T) {
	env := newServiceEnv(t, []string{"ggml-base.en.bin", "ggml-tiny.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionSwitchActiveModel, "ggml-tiny.en.bin")

	notice := env.awaitNotice(3 * time.Second)
	if !strings.Contains(notice.Message, "Active model: tiny.en") {
		t.Fatalf("unexpected switch notice: %q", notice.Message)
	}
	if got := env.catalog.Active(); got != "ggml-tiny.en.bin" {
		t.Fatalf("active model not updated: %q", got)
	}
	env.expectNoModelEvents(200 * time.Millisecond)
}

func TestModelServiceSwitchUnknownModel(t *testing.T) {
	env := newServiceEnv(t, []string{"ggml-base.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionSwitchActiveModel, "nope.bin")

	notice := env.awaitNotice(3 * time.Second)
	if !strings.Contains(notice.Message, "Unknown model") {
		t.Fatalf("unexpected notice: %q", notice.Message)
	}
	if got := env.catalog.Active(); got != "ggml-base.en.bin" {
		t.Fatalf("active model must not change: %q", got)
	}
}

func TestModelServiceDownloadsBeforeSwitch(t *testing.T) {
	data := artifactBytes(256 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer ts.Close()
	stageCatalogModel(t, Descriptor{
		FileName:    "ggml-unit.bin",
		Label:       "unit",
		Quality:     "test",
		DownloadURL: ts.URL + "/ggml-unit.bin",
	})

	env := newServiceEnv(t, []string{"ggml-base.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionSwitchActiveModel, "ggml-unit.bin")

	sawProgress := false
	deadline := time.After(10 * time.Second)
loop:
	for {
		select {
		case ev := <-env.model:
			switch ev.Type {
			case protocol.EventModelDownloadProgress:
				if ev.FileName != "ggml-unit.bin" {
					t.Fatalf("progress for wrong file: %+v", ev)
				}
				sawProgress = true
			case protocol.EventModelDownloadComplete:
				break loop
			default:
				t.Fatalf("unexpected model event: %+v", ev)
			}
		case <-deadline:
			t.Fatal("download did not complete")
		}
	}
	if !sawProgress {
		t.Fatal("expected at least one progress event before completion")
	}

	notice := env.awaitNotice(3 * time.Second)
	if !strings.Contains(notice.Message, "Active model: unit") {
		t.Fatalf("switch should complete after the install: %q", notice.Message)
	}
	if got := env.catalog.Active(); got != "ggml-unit.bin" {
		t.Fatalf("active model not updated after download: %q", got)
	}
	if !env.catalog.Installed("ggml-unit.bin") {
		t.Fatal("downloaded model should be installed")
	}
}

func TestModelServiceCoalescesDuplicateDownloads(t *testing.T) {
	data := artifactBytes(8 * 1024)
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(250 * time.Millisecond)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer ts.Close()
	stageCatalogModel(t, Descriptor{
		FileName:    "ggml-unit.bin",
		Label:       "unit",
		Quality:     "test",
		DownloadURL: ts.URL + "/ggml-unit.bin",
	})

	env := newServiceEnv(t, []string{"ggml-base.en.bin"}, "ggml-base.en.bin")

	env.sendIntent(protocol.ActionEnsureModelInstalled, "ggml-unit.bin")
	env.sendIntent(protocol.ActionEnsureModelInstalled, "ggml-unit.bin")

	env.awaitModelEvent(protocol.EventModelDownloadComplete, 10*time.Second)
	env.expectNoModelEvents(300 * time.Millisecond)

	if got := requests.Load(); got != 1 {
		t.Fatalf("duplicate intent should coalesce onto the running download, got %d requests", got)
	}
}

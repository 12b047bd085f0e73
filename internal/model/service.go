package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// Service handles model intents from the bus: switching the active model
// and installing catalog models on demand. Downloads run on background
// goroutines with progress published as model events; duplicate install
// requests for the same file coalesce onto the running download.
type Service struct {
	cfg     config.ModelsConfig
	bus     *bus.Client
	catalog *Catalog
	manager *Manager
	dl      *Downloader
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
	ready    bool
}

func NewService(parent context.Context, cfg config.ModelsConfig, dlCfg config.DownloadConfig, busClient *bus.Client, catalog *Catalog, manager *Manager, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		catalog:  catalog,
		manager:  manager,
		dl:       NewDownloader(catalog.Dir(), dlCfg, logger),
		logger:   logger.With(slog.String("component", "model")),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectModelIntent, s.handleIntent)
	if err != nil {
		return fmt.Errorf("subscribe model intents: %w", err)
	}
	s.sub = sub
	s.ready = true

	if s.cfg.Preload {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.manager.SwitchActive(s.ctx, s.catalog.Active(), true); err != nil {
				s.logger.Warn("model preload failed", slogError(err))
			}
		}()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleIntent(msg *nats.Msg) {
	var intent protocol.ModelIntent
	if err := json.Unmarshal(msg.Data, &intent); err != nil {
		s.logger.Warn("failed to decode model intent", slogError(err))
		return
	}

	switch intent.Action {
	case protocol.ActionEnsureModelInstalled:
		s.ensureInstalled(intent.FileName)
	case protocol.ActionSwitchActiveModel:
		s.switchActive(intent.FileName)
	default:
		s.logger.Warn("unknown model intent", slog.String("action", intent.Action))
	}
}

// ensureInstalled starts a background download for a catalog model. Already
// installed models complete immediately; a download already running for the
// same file absorbs the request.
func (s *Service) ensureInstalled(fileName string) {
	desc, ok := s.catalog.Lookup(fileName)
	if !ok {
		s.publishFailed(fileName, fmt.Sprintf("unknown model %q", fileName))
		return
	}
	if s.catalog.Installed(desc.FileName) {
		s.publishModelEvent(protocol.ModelEvent{
			Type:     protocol.EventModelDownloadComplete,
			FileName: desc.FileName,
			Percent:  100,
		})
		return
	}
	s.startDownload(desc, nil)
}

// switchActive updates the selection, downloading the model first when it
// is not installed yet. The swap of the resident model happens lazily on
// the next transcription unless models.preload is set.
func (s *Service) switchActive(fileName string) {
	desc, ok := s.catalog.Lookup(fileName)
	if !ok {
		s.publishNotice(fmt.Sprintf("Unknown model %q", fileName))
		return
	}
	if !s.catalog.Installed(desc.FileName) && desc.DownloadURL != "" {
		// Install first, then complete the swap.
		s.startDownload(desc, func() { s.applySwitch(desc) })
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.applySwitch(desc)
	}()
}

func (s *Service) applySwitch(desc Descriptor) {
	if err := s.manager.SwitchActive(s.ctx, desc.FileName, s.cfg.Preload); err != nil {
		s.logger.Warn("model switch failed", slog.String("model", desc.FileName), slogError(err))
		s.publishNotice(fmt.Sprintf("Could not switch to %s: %v", desc.Label, err))
		return
	}
	s.publishNotice(fmt.Sprintf("Active model: %s", desc.Label))
}

// startDownload runs the download on a worker goroutine. onSuccess runs
// after a verified install (used by switchActive to complete the swap).
func (s *Service) startDownload(desc Descriptor, onSuccess func()) {
	s.mu.Lock()
	if s.inflight[desc.FileName] {
		s.mu.Unlock()
		s.logger.Debug("download already in flight", slog.String("model", desc.FileName))
		return
	}
	s.inflight[desc.FileName] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, desc.FileName)
			s.mu.Unlock()
		}()

		if err := s.download(desc); err != nil {
			s.publishFailed(desc.FileName, err.Error())
			return
		}
		s.publishModelEvent(protocol.ModelEvent{
			Type:     protocol.EventModelDownloadComplete,
			FileName: desc.FileName,
			Percent:  100,
		})
		if onSuccess != nil {
			onSuccess()
		}
	}()
}

// download streams the artifact, publishing progress only when the integer
// percentage moves so the bus is not flooded with per-chunk events.
func (s *Service) download(desc Descriptor) error {
	lastPercent := -1
	return s.dl.EnsureInstalled(s.ctx, desc, func(p Progress) {
		percent := 0
		if p.TotalBytes > 0 {
			percent = int(p.BytesDownloaded * 100 / p.TotalBytes)
		}
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		s.publishModelEvent(protocol.ModelEvent{
			Type:            protocol.EventModelDownloadProgress,
			FileName:        desc.FileName,
			Percent:         percent,
			BytesDownloaded: p.BytesDownloaded,
			TotalBytes:      p.TotalBytes,
		})
	})
}

func (s *Service) publishFailed(fileName, message string) {
	s.publishModelEvent(protocol.ModelEvent{
		Type:     protocol.EventModelDownloadFailed,
		FileName: fileName,
		Message:  message,
	})
}

func (s *Service) publishModelEvent(ev protocol.ModelEvent) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal model event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectModelEvent, data); err != nil {
		s.logger.Warn("failed to publish model event", slogError(err))
	}
}

func (s *Service) publishNotice(message string) {
	ev := protocol.SessionEvent{
		Type:      protocol.EventNotice,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal notice", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionEvent, data); err != nil {
		s.logger.Warn("failed to publish notice", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// Service records finished transcriptions off the event stream and answers
// history queries over request-reply.
type Service struct {
	cfg    config.HistoryConfig
	bus    *bus.Client
	store  *Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	eventSub *nats.Subscription
	querySub *nats.Subscription

	ready bool
}

func NewService(parent context.Context, cfg config.HistoryConfig, busClient *bus.Client, store *Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  store,
		logger: logger.With(slog.String("component", "history")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	eventSub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionEvent, s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}
	s.eventSub = eventSub

	querySub, err := s.bus.Conn().Subscribe(protocol.SubjectHistoryQuery, s.handleQuery)
	if err != nil {
		_ = eventSub.Drain()
		return fmt.Errorf("subscribe history queries: %w", err)
	}
	s.querySub = querySub

	s.ready = true
	s.logger.Info("history service started", slog.Bool("enabled", s.store.Enabled()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.eventSub != nil {
		_ = s.eventSub.Drain()
	}
	if s.querySub != nil {
		_ = s.querySub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

// handleEvent records completed transcriptions. Cancelled sessions, failed
// passes and captures without usable speech leave no trace.
func (s *Service) handleEvent(msg *nats.Msg) {
	var ev protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to unmarshal session event", slogError(err))
		return
	}
	if ev.Type != protocol.EventTranscriptionComplete {
		return
	}
	if ev.Text == "" || ev.Text == protocol.EmptyTranscript || ev.Annotation != "" {
		return
	}

	id, err := s.store.Insert(s.ctx, Entry{
		SessionID:    ev.SessionID,
		Text:         ev.Text,
		Model:        ev.Model,
		DurationMS:   ev.DurationMS,
		TranscribeMS: ev.TranscribeMS,
		StopReason:   ev.StopReason,
		CreatedAt:    ev.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to record transcription", slogError(err))
		return
	}
	if id > 0 {
		s.logger.Debug("transcription recorded",
			slog.Int64("id", id),
			slog.String("session_id", ev.SessionID))
	}
}

func (s *Service) handleQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var q protocol.HistoryQuery
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		s.respond(msg, protocol.HistoryReply{Error: "malformed history query"})
		return
	}
	if !s.store.Enabled() {
		s.respond(msg, protocol.HistoryReply{Error: "history is disabled"})
		return
	}

	switch q.Op {
	case protocol.HistoryOpList:
		entries, err := s.store.List(s.ctx, q.Limit)
		if err != nil {
			s.queryFailed(msg, "list", err)
			return
		}
		s.respond(msg, protocol.HistoryReply{Entries: toWire(entries)})
	case protocol.HistoryOpSearch:
		entries, err := s.store.Search(s.ctx, q.Query, q.Limit)
		if err != nil {
			s.queryFailed(msg, "search", err)
			return
		}
		s.respond(msg, protocol.HistoryReply{Entries: toWire(entries)})
	case protocol.HistoryOpUpdate:
		if strings.TrimSpace(q.Text) == "" {
			s.respond(msg, protocol.HistoryReply{Error: "update requires non-empty text"})
			return
		}
		ok, err := s.store.Update(s.ctx, q.ID, q.Text)
		if err != nil {
			s.queryFailed(msg, "update", err)
			return
		}
		var updated int64
		if ok {
			updated = 1
		}
		s.respond(msg, protocol.HistoryReply{Updated: updated})
	case protocol.HistoryOpDelete:
		ok, err := s.store.Delete(s.ctx, q.ID)
		if err != nil {
			s.queryFailed(msg, "delete", err)
			return
		}
		var deleted int64
		if ok {
			deleted = 1
		}
		s.respond(msg, protocol.HistoryReply{Deleted: deleted})
	case protocol.HistoryOpClear:
		n, err := s.store.Clear(s.ctx)
		if err != nil {
			s.queryFailed(msg, "clear", err)
			return
		}
		s.respond(msg, protocol.HistoryReply{Deleted: n})
	default:
		s.respond(msg, protocol.HistoryReply{Error: fmt.Sprintf("unknown history op %q", q.Op)})
	}
}

func (s *Service) queryFailed(msg *nats.Msg, op string, err error) {
	s.logger.Warn("history query failed", slog.String("op", op), slogError(err))
	s.respond(msg, protocol.HistoryReply{Error: fmt.Sprintf("history %s failed: %v", op, err)})
}

func (s *Service) respond(msg *nats.Msg, reply protocol.HistoryReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal history reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to history query", slogError(err))
	}
}

func toWire(entries []Entry) []protocol.HistoryEntry {
	out := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.HistoryEntry{
			ID:         e.ID,
			Text:       e.Text,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
			DurationMS: e.DurationMS,
			Model:      e.Model,
		})
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

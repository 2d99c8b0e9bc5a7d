package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"store-auth/internal/event"
)

const defaultAuditHistory = 200

// AuditService drains auth events from the bus into the structured log and
// keeps a bounded window of the most recent ones.
type AuditService struct {
	logger  *slog.Logger
	mu      sync.Mutex
	recent  []event.Event
	history int
}

func NewAuditService(logger *slog.Logger, history int) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	if history <= 0 {
		history = defaultAuditHistory
	}
	return &AuditService{logger: logger, history: history}
}

// Run consumes events until ctx is done or the subscription closes.
func (s *AuditService) Run(ctx context.Context, bus event.Bus) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.record(e)
		}
	}
}

func (s *AuditService) record(e event.Event) {
	attrs := []any{
		"event_id", e.ID,
		"type", string(e.Type),
		"subject_id", e.SubjectID,
		"occurred_at", e.Timestamp,
	}
	if e.ActorID != "" {
		attrs = append(attrs, "actor_id", e.ActorID)
	}

	keys := make([]string, 0, len(e.Attrs))
	for key := range e.Attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, key, e.Attrs[key])
	}

	level := slog.LevelInfo
	if e.Type == event.TypeLoginFailed || e.Type == event.TypeRefreshRejected {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "audit", attrs...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, e)
	if overflow := len(s.recent) - s.history; overflow > 0 {
		s.recent = append([]event.Event(nil), s.recent[overflow:]...)
	}
}

// Recent returns the retained events, newest last.
func (s *AuditService) Recent() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.recent...)
}

package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemorySessionStore implements SessionStore with an in-memory map. It is
// the default when database session persistence is disabled.
type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string]*SessionRecord)}
}

// Create persists a new record.
func (s *MemorySessionStore) Create(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

// Touch updates LastSeenAt.
func (s *MemorySessionStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.LastSeenAt = time.Now()
	}
	return nil
}

// MarkDisconnected stamps DisconnectedAt once.
func (s *MemorySessionStore) MarkDisconnected(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.DisconnectedAt != nil {
		return nil
	}
	now := time.Now()
	rec.DisconnectedAt = &now
	return nil
}

// ListConnected returns open records ordered by connect time.
func (s *MemorySessionStore) ListConnected(_ context.Context) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SessionRecord
	for _, rec := range s.records {
		if rec.DisconnectedAt == nil {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

// Cleanup removes disconnected records older than olderThan.
func (s *MemorySessionStore) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for id, rec := range s.records {
		if rec.DisconnectedAt != nil && rec.DisconnectedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes old disconnected records. The goroutine is stopped when Close is
// called.
func (s *MemorySessionStore) StartCleanupRoutine(interval, olderThan time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, _ := s.Cleanup(ctx, olderThan); removed > 0 {
					logger.Debug("session records cleaned up", "count", removed)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine if one was started.
func (s *MemorySessionStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ SessionStore = (*MemorySessionStore)(nil)

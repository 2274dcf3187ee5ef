package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/google/uuid"
)

// MemoryRepository keeps sessions and segments in process memory. It backs
// the relay when no database is configured.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*repository.Session
	segments map[string][]repository.TranscriptSegment
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*repository.Session),
		segments: make(map[string][]repository.TranscriptSegment),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	s := &repository.Session{
		ID:         id,
		SessionKey: input.SessionKey,
		Language:   input.Language,
		Model:      input.Model,
		StartedAt:  input.StartedAt,
		Status:     repository.SessionStatusRunning,
	}
	r.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) UpdateSessionCompleted(_ context.Context, input repository.CompleteSessionInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[input.SessionID]
	if !ok {
		return fmt.Errorf("session %s not found", input.SessionID)
	}
	endedAt := input.EndedAt
	s.EndedAt = &endedAt
	s.Status = repository.SessionStatusCompleted
	s.StopReason = input.StopReason
	return nil
}

func (r *MemoryRepository) GetRunningSessionByKey(_ context.Context, sessionKey string) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *repository.Session
	for _, s := range r.sessions {
		if s.SessionKey != sessionKey || s.Status != repository.SessionStatusRunning {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) InsertSegment(_ context.Context, input repository.InsertSegmentInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[input.SessionID]; !ok {
		return fmt.Errorf("session %s not found", input.SessionID)
	}
	for _, seg := range r.segments[input.SessionID] {
		if seg.SegmentIndex == input.SegmentIndex {
			return nil
		}
	}
	r.segments[input.SessionID] = append(r.segments[input.SessionID], repository.TranscriptSegment{
		ID:           uuid.NewString(),
		SessionID:    input.SessionID,
		Content:      input.Content,
		SegmentIndex: input.SegmentIndex,
		Speaker:      input.Speaker,
		SpokenAt:     input.SpokenAt,
		CreatedAt:    r.now(),
	})
	return nil
}

func (r *MemoryRepository) ListSegmentsBySessionID(_ context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append([]repository.TranscriptSegment(nil), r.segments[sessionID]...)
	sort.Slice(list, func(i, j int) bool { return list[i].SegmentIndex < list[j].SegmentIndex })
	return list, nil
}

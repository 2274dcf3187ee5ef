package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/foxseedlab/koe-relay/internal/webhook"
)

const (
	recorderQueueSize  = 128
	recorderJobTimeout = 15 * time.Second
)

// store bundles what recorders persist to. Shared by every session.
type store struct {
	repo     repository.Repository
	webhook  webhook.Sender
	timezone string
	loc      *time.Location
	wg       sync.WaitGroup
}

// recorder persists one session in order on its own goroutine so repository
// and webhook latency never stalls the actor. The begin/segment/finish
// methods are called from the actor goroutine only.
type recorder struct {
	store      *store
	sessionID  string
	sessionKey string

	jobs     chan func(ctx context.Context)
	begun    bool
	finished bool

	// owned by the worker goroutine
	meta      transcriptMeta
	startedAt time.Time
	created   bool
}

func newRecorder(s *store, sessionID, sessionKey string) *recorder {
	return &recorder{
		store:      s,
		sessionID:  sessionID,
		sessionKey: sessionKey,
		jobs:       make(chan func(ctx context.Context), recorderQueueSize),
	}
}

func (r *recorder) begin(md protocol.Metadata, startedAt time.Time) {
	if r.begun || r.store == nil {
		return
	}
	r.begun = true
	r.store.wg.Add(1)
	go r.work()
	r.enqueue(func(ctx context.Context) {
		r.meta = transcriptMeta{
			SessionID:  r.sessionID,
			SessionKey: r.sessionKey,
			Language:   md.Language,
			Model:      md.Model,
		}
		r.startedAt = startedAt
		r.createSession(ctx, md, startedAt)
	})
}

func (r *recorder) segment(index int, text string, speaker *int, spokenAt time.Time) {
	if !r.begun || r.finished {
		return
	}
	r.enqueue(func(ctx context.Context) {
		if !r.created {
			return
		}
		if err := r.store.repo.InsertSegment(ctx, repository.InsertSegmentInput{
			SessionID:    r.sessionID,
			Content:      text,
			SegmentIndex: index,
			Speaker:      speaker,
			SpokenAt:     spokenAt,
		}); err != nil {
			slog.Error("failed to insert segment", "error", err, "session_id", r.sessionID)
		}
	})
}

func (r *recorder) finish(endedAt time.Time, reason string) {
	if !r.begun || r.finished {
		return
	}
	r.finished = true
	jobs := r.jobs
	final := func(ctx context.Context) { r.finalize(ctx, endedAt, reason) }
	select {
	case jobs <- final:
		close(jobs)
	default:
		go func() {
			jobs <- final
			close(jobs)
		}()
	}
}

func (r *recorder) enqueue(job func(ctx context.Context)) {
	select {
	case r.jobs <- job:
	default:
		slog.Warn("recorder queue full; dropping write", "session_id", r.sessionID)
	}
}

func (r *recorder) work() {
	defer r.store.wg.Done()
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), recorderJobTimeout)
		job(ctx)
		cancel()
	}
}

func (r *recorder) createSession(ctx context.Context, md protocol.Metadata, startedAt time.Time) {
	orphan, err := r.store.repo.GetRunningSessionByKey(ctx, r.sessionKey)
	if err != nil {
		slog.Error("failed to query running session", "error", err, "session_key", r.sessionKey)
	}
	if orphan != nil {
		slog.Warn("found orphan running session in repository; closing and continuing", "orphan_session_id", orphan.ID, "session_key", r.sessionKey)
		if err := r.store.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{
			SessionID:  orphan.ID,
			EndedAt:    time.Now(),
			StopReason: "superseded",
		}); err != nil {
			slog.Error("failed to complete orphan session", "error", err, "orphan_session_id", orphan.ID)
		}
	}
	if _, err := r.store.repo.CreateSession(ctx, repository.CreateSessionInput{
		ID:         r.sessionID,
		SessionKey: r.sessionKey,
		Language:   md.Language,
		Model:      md.Model,
		StartedAt:  startedAt,
	}); err != nil {
		slog.Error("failed to create session in repository", "error", err, "session_id", r.sessionID)
		return
	}
	r.created = true
	slog.Info("created session", "session_id", r.sessionID, "session_key", r.sessionKey)
}

func (r *recorder) finalize(ctx context.Context, endedAt time.Time, reason string) {
	if !r.created {
		return
	}
	if err := r.store.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{
		SessionID:  r.sessionID,
		EndedAt:    endedAt,
		StopReason: reason,
	}); err != nil {
		slog.Error("failed to complete session", "error", err, "session_id", r.sessionID)
	}
	segments, err := r.store.repo.ListSegmentsBySessionID(ctx, r.sessionID)
	if err != nil {
		slog.Error("failed to list transcript segments", "error", err, "session_id", r.sessionID)
		return
	}
	if len(segments) == 0 {
		slog.Info("session ended without transcript segments; skipping webhook", "session_id", r.sessionID)
		return
	}
	meta := r.meta
	meta.StopReason = reason
	payload := buildTranscriptWebhookPayload(meta, r.startedAt, endedAt, r.store.timezone, r.store.loc, segments)
	if err := r.store.webhook.SendTranscript(ctx, payload); err != nil {
		slog.Error("failed to send webhook transcript", "error", err, "session_id", r.sessionID)
		return
	}
	slog.Info("transcript webhook sent", "session_id", r.sessionID, "segments", len(segments))
}

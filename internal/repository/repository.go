package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	ID         string
	SessionKey string
	Language   string
	Model      string
	StartedAt  time.Time
}

type CompleteSessionInput struct {
	SessionID  string
	EndedAt    time.Time
	StopReason string
}

type InsertSegmentInput struct {
	SessionID    string
	Content      string
	SegmentIndex int
	Speaker      *int
	SpokenAt     time.Time
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	UpdateSessionCompleted(ctx context.Context, input CompleteSessionInput) error
	GetRunningSessionByKey(ctx context.Context, sessionKey string) (*Session, error)
}

type TranscriptRepository interface {
	InsertSegment(ctx context.Context, input InsertSegmentInput) error
	ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
}

type Repository interface {
	SessionRepository
	TranscriptRepository
}

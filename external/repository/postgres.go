package repository

import (
	"context"
	"errors"
	"time"

	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

const sessionColumns = `id, session_key, language, model, started_at, ended_at, status, stop_reason`

func scanSession(row pgx.Row) (*repository.Session, error) {
	var s repository.Session
	var endedAt *time.Time
	var status string
	if err := row.Scan(&s.ID, &s.SessionKey, &s.Language, &s.Model, &s.StartedAt, &endedAt, &status, &s.StopReason); err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	s.Status = repository.SessionStatus(status)
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO relay_sessions (id, session_key, language, model, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, 'running')
		 RETURNING `+sessionColumns,
		input.ID, input.SessionKey, input.Language, input.Model, input.StartedAt)
	return scanSession(row)
}

func (r *PostgresRepository) UpdateSessionCompleted(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE relay_sessions SET status = 'completed', ended_at = $2, stop_reason = $3 WHERE id = $1`,
		input.SessionID, input.EndedAt, input.StopReason)
	return err
}

func (r *PostgresRepository) GetRunningSessionByKey(ctx context.Context, sessionKey string) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM relay_sessions WHERE session_key = $1 AND status = 'running'
		 ORDER BY started_at DESC LIMIT 1`,
		sessionKey)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) InsertSegment(ctx context.Context, input repository.InsertSegmentInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, content, segment_index, speaker, spoken_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, segment_index) DO NOTHING`,
		input.SessionID, input.Content, input.SegmentIndex, input.Speaker, input.SpokenAt)
	return err
}

func (r *PostgresRepository) ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, content, segment_index, speaker, spoken_at, created_at
		 FROM transcript_segments WHERE session_id = $1 ORDER BY segment_index ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.TranscriptSegment
	for rows.Next() {
		var seg repository.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Content, &seg.SegmentIndex, &seg.Speaker, &seg.SpokenAt, &seg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/stagehand/internal/queue"
)

var (
	ErrNotFound        = errors.New("delivery: dead letter not found")
	ErrAlreadyReplayed = errors.New("delivery: dead letter already replayed")
)

// Filter narrows List. Zero values mean no restriction; Limit defaults to 50.
type Filter struct {
	Queue           queue.Name
	IncludeReplayed bool
	Limit           int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 50
	}
	return f.Limit
}

type Store interface {
	// Save is idempotent on Record.ID while the stored record is pending.
	// A record that was replayed is reopened by a later failure: r replaces
	// it when r.FailedAt is not before its ReplayedAt.
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns records newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
	// MarkReplayed returns ErrAlreadyReplayed if the record was replayed before.
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[r.ID]; ok && !reopens(cur, r) {
		return nil
	}
	r.ReplayedAt = nil
	s.records[r.ID] = r
	return nil
}

// reopens reports whether next is a new failure of a job replayed from cur.
func reopens(cur, next Record) bool {
	return cur.Replayed() && !next.FailedAt.Before(*cur.ReplayedAt)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.records {
		if f.Queue != "" && r.Queue != f.Queue && r.SourceQueue != f.Queue {
			continue
		}
		if !f.IncludeReplayed && r.Replayed() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Replayed() {
		return ErrAlreadyReplayed
	}
	at = at.UTC()
	r.ReplayedAt = &at
	s.records[id] = r
	return nil
}

// PGStore keeps records in stagehand.dead_letters.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Save(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stagehand.dead_letters AS d (id, queue, source_queue, job_id, original, reason, attempts_made, failed_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue,
			source_queue = EXCLUDED.source_queue,
			job_id = EXCLUDED.job_id,
			original = EXCLUDED.original,
			reason = EXCLUDED.reason,
			attempts_made = EXCLUDED.attempts_made,
			failed_at = EXCLUDED.failed_at,
			replayed_at = NULL
		WHERE d.replayed_at IS NOT NULL AND EXCLUDED.failed_at >= d.replayed_at`,
		r.ID, string(r.Queue), string(r.SourceQueue), r.JobID, string(r.Original), r.Reason, r.AttemptsMade, r.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const recordColumns = `id, queue, source_queue, job_id, original, reason, attempts_made, failed_at, replayed_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r        Record
		q, src   string
		original []byte
	)
	if err := row.Scan(&r.ID, &q, &src, &r.JobID, &original, &r.Reason, &r.AttemptsMade, &r.FailedAt, &r.ReplayedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.Queue = queue.Name(q)
	r.SourceQueue = queue.Name(src)
	r.Original = json.RawMessage(original)
	return r, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM stagehand.dead_letters WHERE id = $1`, id))
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM stagehand.dead_letters
		WHERE ($1 = '' OR queue = $1 OR source_queue = $1)
		  AND ($2 OR replayed_at IS NULL)
		ORDER BY failed_at DESC
		LIMIT $3`,
		string(f.Queue), f.IncludeReplayed, f.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE stagehand.dead_letters SET replayed_at = $2
		WHERE id = $1 AND replayed_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyReplayed
}

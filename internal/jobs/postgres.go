package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// PostgresStore keeps jobs in the jobs and job_artifacts tables. Every
// transition is a conditional UPDATE on the current status, so concurrent
// writers cannot move a job out of a terminal state.
type PostgresStore struct {
	pool      *pgxpool.Pool
	clock     clock.Clock
	retention Retention
	log       *logger.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, clk clock.Clock, retention Retention, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &PostgresStore{
		pool:      pool,
		clock:     clock.OrReal(clk),
		retention: retention.withDefaults(),
		log:       log.WithComponent("jobstore"),
	}
}

const jobColumns = `id, idempotency_key, status, progress, message, input,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j     Job
		input []byte
	)
	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.Status, &j.Progress, &j.Message, &input,
		&j.ErrorCode, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, fmt.Errorf("decode job input: %w", err)
	}
	j.Artifacts = []Artifact{}
	return &j, nil
}

func (s *PostgresStore) Create(ctx context.Context, key string, in Input) (*Job, bool, error) {
	if key == "" {
		return nil, false, errors.ValidationField("idempotency_key", "idempotency key is required")
	}

	input, err := json.Marshal(in)
	if err != nil {
		return nil, false, errors.Wrap(err, "jobs.create", "encode input")
	}

	now := s.clock.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, idempotency_key, status, progress, message, input, created_at, updated_at)
		VALUES ($1, $2, 'queued', 0, 'queued', $3, $4, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		uuid.NewString(), key, input, now,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, true, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "jobs.create", "insert job")
	}

	existing, err := s.getBy(ctx, "idempotency_key", key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns CodeNotFound for ids that are not UUIDs, since no row can
// carry one.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*Job, error) {
	return s.getBy(ctx, "idempotency_key", key)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+column+` = $1`, value))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("job", value)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.get", "query job")
	}
	if err := s.loadArtifacts(ctx, []*Job{j}); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	statuses := make([]string, 0, len(f.Status))
	for _, st := range f.Status {
		statuses = append(statuses, string(st))
	}
	return s.query(ctx, "jobs.list", `
		SELECT `+jobColumns+` FROM jobs
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`, statuses, f.limit())
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Job, error) {
	return s.query(ctx, "jobs.list_active", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at`)
}

func (s *PostgresStore) ListPurgeable(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.query(ctx, "jobs.list_purgeable", `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = 'done' AND finished_at < $1)
		   OR (status = 'error' AND finished_at < $2)
		ORDER BY finished_at`,
		now.Add(-s.retention.Done), now.Add(-s.retention.Error))
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, op, "query jobs")
	}
	defer rows.Close()

	out := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, op, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, op, "iterate jobs")
	}
	if err := s.loadArtifacts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) loadArtifacts(ctx context.Context, js []*Job) error {
	if len(js) == 0 {
		return nil
	}
	byID := make(map[string]*Job, len(js))
	ids := make([]string, 0, len(js))
	for _, j := range js {
		byID[j.ID] = j
		ids = append(ids, j.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, artifact_id, locator, object_key, provider, size_bytes, duration_seconds, idx
		FROM job_artifacts
		WHERE job_id = ANY($1)
		ORDER BY job_id, idx`, ids)
	if err != nil {
		return errors.Wrap(err, "jobs.artifacts", "query artifacts")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			jobID string
			a     Artifact
		)
		if err := rows.Scan(&jobID, &a.ID, &a.Locator, &a.ObjectKey, &a.Provider, &a.SizeBytes, &a.DurationSeconds, &a.Index); err != nil {
			return errors.Wrap(err, "jobs.artifacts", "scan artifact")
		}
		if j, ok := byID[jobID]; ok {
			j.Artifacts = append(j.Artifacts, a)
		}
	}
	return rows.Err()
}

func parseID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("job", id)
	}
	return nil
}

// applied interprets a conditional update: zero rows means either the job
// does not exist or it was in the wrong state.
func (s *PostgresStore) applied(ctx context.Context, op, id string, rows int64) (bool, error) {
	if rows > 0 {
		return true, nil
	}
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, errors.NotFound("job", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "jobs."+op, "read status")
	}
	logRefused(s.log, op, id, status)
	return false, nil
}

func (s *PostgresStore) Start(ctx context.Context, id string) (bool, error) {
	if err := parseID(id); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running', message = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'queued'`, id, s.clock.Now())
	if err != nil {
		return false, errors.Wrap(err, "jobs.start", "update job")
	}
	return s.applied(ctx, "start", id, tag.RowsAffected())
}

func (s *PostgresStore) Progress(ctx context.Context, id string, progress int, message string) (bool, error) {
	if err := parseID(id); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    message = COALESCE(NULLIF($3, ''), message),
		    updated_at = $4
		WHERE id = $1 AND status = 'running'`,
		id, clampProgress(progress), message, s.clock.Now())
	if err != nil {
		return false, errors.Wrap(err, "jobs.progress", "update job")
	}
	return s.applied(ctx, "progress", id, tag.RowsAffected())
}

func (s *PostgresStore) Complete(ctx context.Context, id string, artifacts []Artifact) (bool, error) {
	if err := parseID(id); err != nil {
		return false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "jobs.complete", "begin tx")
	}
	defer tx.Rollback(ctx)

	now := s.clock.Now()
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'done', progress = 100, message = 'done', finished_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'`, id, now)
	if err != nil {
		return false, errors.Wrap(err, "jobs.complete", "update job")
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return s.applied(ctx, "complete", id, 0)
	}

	batch := &pgx.Batch{}
	for _, a := range artifacts {
		batch.Queue(`
			INSERT INTO job_artifacts (job_id, artifact_id, locator, object_key, provider, size_bytes, duration_seconds, idx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, a.ID, a.Locator, a.ObjectKey, a.Provider, a.SizeBytes, a.DurationSeconds, a.Index)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, errors.Wrap(err, "jobs.complete", "insert artifacts")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "jobs.complete", "commit")
	}
	return true, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, code errors.Code, reason string) (bool, error) {
	if err := parseID(id); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'error', message = 'failed', error_code = $2, error_message = $3, finished_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, string(code), truncate(reason, MaxErrorMessage), s.clock.Now())
	if err != nil {
		return false, errors.Wrap(err, "jobs.fail", "update job")
	}
	return s.applied(ctx, "fail", id, tag.RowsAffected())
}

// Purge deletes an expired terminal job; its artifact rows go with it
// through ON DELETE CASCADE.
func (s *PostgresStore) Purge(ctx context.Context, id string) (bool, error) {
	if err := parseID(id); err != nil {
		return false, err
	}
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND ((status = 'done' AND finished_at < $2) OR (status = 'error' AND finished_at < $3))`,
		id, now.Add(-s.retention.Done), now.Add(-s.retention.Error))
	if err != nil {
		return false, errors.Wrap(err, "jobs.purge", "delete job")
	}
	return s.applied(ctx, "purge", id, tag.RowsAffected())
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

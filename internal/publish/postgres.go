package publish

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyclip/internal/database"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
)

// PostgresStore keeps batches in publish_batches and publish_items.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPostgresStore(pool *pgxpool.Pool, clk clock.Clock) *PostgresStore {
	return &PostgresStore{pool: pool, clock: clock.OrReal(clk)}
}

func (s *PostgresStore) Create(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "publish.create", "begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO publish_batches (id, job_id, mode, caption, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		b.ID, b.JobID, b.Mode, b.Caption, b.CreatedAt)
	if database.IsUniqueViolation(err) {
		return errors.Conflict("batch " + b.ID + " already exists")
	}
	if err != nil {
		return errors.Wrap(err, "publish.create", "insert batch")
	}

	batch := &pgx.Batch{}
	for _, it := range b.Items {
		batch.Queue(`
			INSERT INTO publish_items (batch_id, idx, artifact_id, media_url, state, post_id, error, attempts, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			b.ID, it.Index, it.ArtifactID, it.MediaURL, string(it.State), it.PostID, it.Error, it.Attempts, b.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "publish.create", "insert items")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "publish.create", "commit")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Batch, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("publish batch", id)
	}
	var b Batch
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, mode, caption, created_at, updated_at
		FROM publish_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.JobID, &b.Mode, &b.Caption, &b.CreatedAt, &b.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("publish batch", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "publish.get", "query batch")
	}
	if err := s.loadItems(ctx, []*Batch{&b}); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Batch, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return []*Batch{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, mode, caption, created_at, updated_at
		FROM publish_batches WHERE job_id = $1
		ORDER BY created_at`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "publish.list", "query batches")
	}
	defer rows.Close()

	out := make([]*Batch, 0)
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.JobID, &b.Mode, &b.Caption, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "publish.list", "scan batch")
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "publish.list", "iterate batches")
	}
	if err := s.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) loadItems(ctx context.Context, bs []*Batch) error {
	if len(bs) == 0 {
		return nil
	}
	byID := make(map[string]*Batch, len(bs))
	ids := make([]string, 0, len(bs))
	for _, b := range bs {
		b.Items = []Item{}
		byID[b.ID] = b
		ids = append(ids, b.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, idx, artifact_id, media_url, state, post_id, error, attempts, updated_at
		FROM publish_items
		WHERE batch_id = ANY($1)
		ORDER BY batch_id, idx`, ids)
	if err != nil {
		return errors.Wrap(err, "publish.items", "query items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			batchID string
			it      Item
		)
		if err := rows.Scan(&batchID, &it.Index, &it.ArtifactID, &it.MediaURL, &it.State, &it.PostID, &it.Error, &it.Attempts, &it.UpdatedAt); err != nil {
			return errors.Wrap(err, "publish.items", "scan item")
		}
		if b, ok := byID[batchID]; ok {
			b.Items = append(b.Items, it)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) UpdateItem(ctx context.Context, batchID string, it Item) error {
	if _, err := uuid.Parse(batchID); err != nil {
		return errors.NotFound("publish batch", batchID)
	}
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_items
		SET state = $3, post_id = $4, error = $5, attempts = $6, updated_at = $7
		WHERE batch_id = $1 AND idx = $2`,
		batchID, it.Index, string(it.State), it.PostID, it.Error, it.Attempts, now)
	if err != nil {
		return errors.Wrap(err, "publish.update_item", "update item")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("publish item", batchID)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE publish_batches SET updated_at = $2 WHERE id = $1`, batchID, now); err != nil {
		return errors.Wrap(err, "publish.update_item", "touch batch")
	}
	return nil
}

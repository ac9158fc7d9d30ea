package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

type CreateRequest struct {
	JobID   string `json:"job_id"`
	Mode    string `json:"mode"`
	Caption string `json:"caption"`
	// ArtifactIDs restricts and orders the clips. Empty means all of them.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

type TrackerConfig struct {
	Store  Store
	Jobs   jobs.Store
	Client Client
	// DefaultMode applies to batches created without a mode. Empty means
	// the package DefaultMode.
	DefaultMode string
	Clock       clock.Clock
	Log         *logger.Logger
}

// Tracker creates batches and drives their items through the publishing API.
type Tracker struct {
	store       Store
	jobs        jobs.Store
	client      Client
	defaultMode string
	clock       clock.Clock
	log         *logger.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		store:       cfg.Store,
		jobs:        cfg.Jobs,
		client:      cfg.Client,
		defaultMode: cfg.DefaultMode,
		clock:       clock.OrReal(cfg.Clock),
		log:         log.WithComponent("publish"),
	}
}

// CreateBatch stores a pending batch for the clips of a done job.
func (t *Tracker) CreateBatch(ctx context.Context, req CreateRequest) (*Batch, error) {
	name := req.Mode
	if strings.TrimSpace(name) == "" {
		name = t.defaultMode
	}
	mode, err := ModeFor(name)
	if err != nil {
		return nil, err
	}
	if req.JobID == "" {
		return nil, errors.ValidationField("job_id", "job_id is required")
	}

	job, err := t.jobs.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusDone {
		return nil, errors.Newf(errors.CodeFailedPrecond, "job %s is %s, only done jobs can be published", job.ID, job.Status).
			WithField("status", string(job.Status))
	}

	arts, err := pick(job.Artifacts, req.ArtifactIDs)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	b := &Batch{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Mode:      mode.Name,
		Caption:   req.Caption,
		Items:     make([]Item, 0, len(arts)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, a := range arts {
		b.Items = append(b.Items, Item{
			Index:      i + 1,
			ArtifactID: a.ID,
			MediaURL:   a.Locator,
			State:      ItemPending,
			UpdatedAt:  now,
		})
	}
	if err := t.store.Create(ctx, b); err != nil {
		return nil, err
	}

	t.log.WithBatchID(b.ID).Info("publish batch created",
		"job_id", job.ID,
		"mode", mode.Name,
		"items", len(b.Items),
	)
	return b, nil
}

func pick(arts []jobs.Artifact, ids []string) ([]jobs.Artifact, error) {
	if len(arts) == 0 {
		return nil, errors.New(errors.CodeFailedPrecond, "job has no artifacts")
	}
	if len(ids) == 0 {
		return arts, nil
	}
	byID := make(map[string]jobs.Artifact, len(arts))
	for _, a := range arts {
		byID[a.ID] = a
	}
	out := make([]jobs.Artifact, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, errors.ValidationField("artifact_ids", "unknown artifact "+id)
		}
		out = append(out, a)
	}
	return out, nil
}

// Run publishes the items of a batch in order. Items already terminal are
// skipped, so a batch interrupted by shutdown can be run again.
func (t *Tracker) Run(ctx context.Context, batchID string) error {
	ctx = logger.ContextWithBatchID(ctx, batchID)
	log := t.log.FromContext(ctx)

	b, err := t.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	mode, err := ModeFor(b.Mode)
	if err != nil {
		return err
	}

	log.Info("publish batch started", "mode", mode.Name, "items", len(b.Items))
	started := t.clock.Now()

	first := true
	for _, it := range b.Items {
		if it.State.Terminal() {
			continue
		}
		if !first {
			if err := t.clock.Sleep(ctx, mode.BetweenItems); err != nil {
				return err
			}
		}
		first = false

		if err := t.publishItem(ctx, b, it, mode, log); err != nil {
			return err
		}
	}

	final, err := t.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	counts := final.Counts()
	log.Info("publish batch finished",
		"status", string(final.Status()),
		"published", counts[ItemPublished],
		"failed", counts[ItemFailed],
		"duration_ms", t.clock.Now().Sub(started).Milliseconds(),
	)
	return nil
}

// publishItem returns an error only when ctx ends or the store fails; a
// remote failure is recorded on the item.
func (t *Tracker) publishItem(ctx context.Context, b *Batch, it Item, mode Mode, log *logger.Logger) error {
	log = log.WithFields(map[string]any{"item": it.Index, "artifact_id": it.ArtifactID})

	// a post created before an interruption is confirmed, not posted again
	if it.State != ItemWaiting || it.PostID == "" {
		it.State = ItemUploading
		it.Attempts++
		it.Error = ""
		if err := t.store.UpdateItem(ctx, b.ID, it); err != nil {
			return err
		}

		postID, err := t.client.CreatePost(ctx, PostRequest{MediaURL: it.MediaURL, Text: b.Caption})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("create post failed", "code", string(errors.GetCode(err)), "error", err.Error())
			return t.fail(ctx, b.ID, it, err)
		}

		it.State = ItemWaiting
		it.PostID = postID
		if err := t.store.UpdateItem(ctx, b.ID, it); err != nil {
			return err
		}
		log.Info("post created", "post_id", postID)
	}

	st, err := t.Confirm(ctx, it.PostID, mode.MaxWait)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("post not confirmed", "post_id", it.PostID, "error", err.Error())
		return t.fail(ctx, b.ID, it, err)
	}

	it.State = ItemPublished
	if err := t.store.UpdateItem(ctx, b.ID, it); err != nil {
		return err
	}
	log.Info("post published", "post_id", it.PostID, "external_id", st.ExternalID)
	return nil
}

func (t *Tracker) fail(ctx context.Context, batchID string, it Item, cause error) error {
	it.State = ItemFailed
	it.Error = cause.Error()
	return t.store.UpdateItem(ctx, batchID, it)
}

// Confirm polls the post until it is published, fails remotely, or maxWait
// passes. A post the API does not know yet and transport errors keep the
// poll going.
func (t *Tracker) Confirm(ctx context.Context, postID string, maxWait time.Duration) (PostStatus, error) {
	start := t.clock.Now()
	var lastErr error

	for n := 0; ; n++ {
		elapsed := t.clock.Now().Sub(start)
		if elapsed >= maxWait {
			e := errors.Timeout("publish confirmation").
				WithField("post_id", postID).
				WithField("waited", maxWait.String())
			if lastErr != nil {
				e.Err = lastErr
			}
			return PostStatus{}, e
		}

		st, err := t.client.PostStatus(ctx, postID)
		switch {
		case err == nil && st.State == RemotePublished:
			return st, nil
		case err == nil && st.State == RemoteFailed:
			reason := st.Error
			if reason == "" {
				reason = "unknown error"
			}
			return st, errors.Newf(errors.CodeFailedPrecond, "post %s failed to publish: %s", postID, reason)
		case err != nil && !errors.IsNotFound(err) && !errors.IsRetryable(err):
			return PostStatus{}, err
		case err != nil:
			lastErr = err
		}

		wait := pollInterval(n)
		if left := maxWait - elapsed; wait > left {
			wait = left
		}
		t.log.Debug("waiting for publish confirmation",
			"post_id", postID,
			"state", st.State,
			"elapsed", fmt.Sprintf("%.1fs", elapsed.Seconds()),
		)
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return PostStatus{}, err
		}
	}
}

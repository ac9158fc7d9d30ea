package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyclip/internal/effects"
	"storyclip/internal/httpkit"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
)

// IdempotencyHeader may carry the key instead of the body field.
const IdempotencyHeader = "Idempotency-Key"

type CreateJobRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Source         string            `json:"source"`
	Effects        json.RawMessage   `json:"effects,omitempty"`
	Distribution   jobs.Distribution `json:"distribution"`
	DiscardSource  bool              `json:"discard_source,omitempty"`
}

type JobView struct {
	JobID      string          `json:"job_id"`
	Status     jobs.Status     `json:"status"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message"`
	Artifacts  []jobs.Artifact `json:"artifacts"`
	Error      *JobError       `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func viewJob(j *jobs.Job) JobView {
	v := JobView{
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		Message:    j.Message,
		Artifacts:  j.Artifacts,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	if v.Artifacts == nil {
		v.Artifacts = []jobs.Artifact{}
	}
	if j.Status == jobs.StatusError {
		v.Error = &JobError{Code: j.ErrorCode, Message: j.ErrorMessage}
	}
	return v
}

// PostJob creates a job and hands its id to the render lane. A repeated
// idempotency key returns the stored job with 200 and pushes nothing.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	if key == "" {
		key = uuid.NewString()
	}

	in := jobs.Input{
		SourceLocator: req.Source,
		Effects:       req.Effects,
		Distribution:  req.Distribution,
		DiscardSource: req.DiscardSource,
	}
	if err := in.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := effects.ParseRequest(in.Effects); err != nil {
		h.fail(w, r, err)
		return
	}

	// overload only turns away new work
	existing, err := h.jobs.GetByKey(ctx, key)
	switch {
	case err == nil:
		h.writeExisting(w, r, existing, key)
		return
	case !errors.IsNotFound(err):
		h.fail(w, r, err)
		return
	}

	if err := h.checkDepth(ctx); err != nil {
		h.fail(w, r, err)
		return
	}

	job, created, err := h.jobs.Create(ctx, key, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !created {
		h.writeExisting(w, r, job, key)
		return
	}
	log := h.log.FromContext(ctx).WithJobID(job.ID)

	if err := h.renderQueue.Push(ctx, job.ID); err != nil {
		// the id never reached a worker, so the job must not wait for the watchdog
		if _, ferr := h.jobs.Fail(context.WithoutCancel(ctx), job.ID, errors.CodeTransient, "render queue unavailable"); ferr != nil {
			log.Error("fail unqueued job", "error", ferr.Error())
		}
		h.fail(w, r, err)
		return
	}

	log.Info("job queued", "idempotency_key", key, "source", in.SourceLocator)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) writeExisting(w http.ResponseWriter, r *http.Request, job *jobs.Job, key string) {
	h.log.FromContext(r.Context()).WithJobID(job.ID).
		Info("job already exists", "idempotency_key", key, "status", string(job.Status))
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) checkDepth(ctx context.Context) error {
	if h.maxDepth <= 0 {
		return nil
	}
	n, err := h.renderQueue.Len(ctx)
	if err != nil {
		return err
	}
	if n >= int64(h.maxDepth) {
		return errors.Overloaded(h.renderQueue.Name(), int(n))
	}
	return nil
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.ListFilter{Limit: httpkit.QueryInt(r, "limit", 50)}
	for _, s := range httpkit.QueryList(r, "status") {
		st := jobs.Status(s)
		if !st.Valid() {
			h.fail(w, r, errors.ValidationField("status", "unknown status "+s))
			return
		}
		f.Status = append(f.Status, st)
	}

	list, err := h.jobs.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]JobView, 0, len(list))
	for _, j := range list {
		views = append(views, viewJob(j))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, viewJob(j))
}

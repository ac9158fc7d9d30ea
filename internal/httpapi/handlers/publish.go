package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyclip/internal/httpkit"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/publish"
)

type BatchView struct {
	*publish.Batch
	Status publish.BatchStatus       `json:"status"`
	Counts map[publish.ItemState]int `json:"counts"`
}

func viewBatch(b *publish.Batch) BatchView {
	return BatchView{Batch: b, Status: b.Status(), Counts: b.Counts()}
}

// PostBatch creates a publish batch for a done job and queues it on the
// publish lane.
func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tracker == nil || h.publishQueue == nil {
		h.fail(w, r, errors.Unavailable("publish"))
		return
	}

	var req publish.CreateRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	b, err := h.tracker.CreateBatch(ctx, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.publishQueue.Push(ctx, b.ID); err != nil {
		h.fail(w, r, errors.Wrap(err, "api.post_batch", "publish queue unavailable").WithField("batch_id", b.ID))
		return
	}

	httpkit.WriteJSON(w, http.StatusCreated, viewBatch(b))
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.batches == nil {
		h.fail(w, r, errors.Unavailable("publish"))
		return
	}
	b, err := h.batches.Get(r.Context(), chi.URLParam(r, "batchId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, viewBatch(b))
}

// ListJobBatches returns every batch created for a job.
func (h *Handler) ListJobBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		h.fail(w, r, errors.Unavailable("publish"))
		return
	}
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.jobs.Get(ctx, jobID); err != nil {
		h.fail(w, r, err)
		return
	}
	bs, err := h.batches.ListByJob(ctx, jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]BatchView, 0, len(bs))
	for _, b := range bs {
		views = append(views, viewBatch(b))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"batches": views})
}

package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"storyclip/internal/httpkit"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
)

// StreamArtifact copies one rendered clip from the storage provider.
func (h *Handler) StreamArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")
	artifactID := chi.URLParam(r, "artifactId")

	j, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	art, ok := findArtifact(j.Artifacts, artifactID)
	if !ok {
		h.fail(w, r, errors.NotFound("artifact", artifactID).WithField("job_id", jobID))
		return
	}
	if art.Provider != "" && art.Provider != h.storage.Provider() {
		h.fail(w, r, errors.Newf(errors.CodeFailedPrecond, "artifact stored on %s, api serves %s", art.Provider, h.storage.Provider()).
			WithField("artifact_id", artifactID))
		return
	}

	rc, ct, size, err := h.storage.GetObject(ctx, art.ObjectKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = "video/mp4"
	}
	if size <= 0 {
		size = art.SizeBytes
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `inline; filename="`+jobs.ArtifactFile(art.Index)+`"`)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(ctx).WithJobID(jobID).Warn("artifact stream interrupted", "artifact_id", artifactID, "error", err.Error())
	}
}

func findArtifact(arts []jobs.Artifact, id string) (jobs.Artifact, bool) {
	for _, a := range arts {
		if a.ID == id {
			return a, true
		}
	}
	return jobs.Artifact{}, false
}

// Capabilities returns the snapshot most recently published by a worker.
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	if h.caps == nil {
		h.fail(w, r, errors.Unavailable("capabilities"))
		return
	}
	snap, err := h.caps.Load(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, snap)
}

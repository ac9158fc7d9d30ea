package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

const streamWriteWait = 10 * time.Second

type streamEvent struct {
	Type string `json:"type"`
	JobView
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || h.checkOrigin == nil {
				return true
			}
			return h.checkOrigin(origin)
		},
	}
}

// StreamJob pushes a job_update message whenever the job changes and closes
// the socket once the job is done or failed.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the handshake error
		h.log.FromContext(r.Context()).Warn("websocket upgrade failed", "job_id", id, "error", err.Error())
		return
	}
	defer conn.Close()

	log := h.log.FromContext(r.Context()).WithJobID(id)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// the client sends nothing; reading only detects disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug("status stream opened")
	var last *jobs.Job
	for {
		if changed(last, job) {
			if err := h.send(conn, job); err != nil {
				log.Debug("status stream write failed", "error", err.Error())
				return
			}
			last = job
		}
		if job.Status.Terminal() {
			h.close(conn, websocket.CloseNormalClosure, string(job.Status))
			log.Debug("status stream closed", "status", string(job.Status))
			return
		}

		if err := h.clock.Sleep(ctx, h.streamInterval); err != nil {
			return
		}
		next, err := h.jobs.Get(ctx, id)
		if err != nil {
			h.closeOnError(conn, err, log)
			return
		}
		job = next
	}
}

func changed(prev, cur *jobs.Job) bool {
	if prev == nil {
		return true
	}
	return prev.Status != cur.Status ||
		prev.Progress != cur.Progress ||
		prev.Message != cur.Message ||
		!prev.UpdatedAt.Equal(cur.UpdatedAt)
}

func (h *Handler) send(conn *websocket.Conn, j *jobs.Job) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(streamEvent{Type: "job_update", JobView: viewJob(j)})
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}

func (h *Handler) closeOnError(conn *websocket.Conn, err error, log *logger.Logger) {
	if errors.IsNotFound(err) {
		h.close(conn, websocket.CloseNormalClosure, "job removed")
		return
	}
	log.Warn("status stream lookup failed", "error", err.Error())
	h.close(conn, websocket.CloseInternalServerErr, "lookup failed")
}

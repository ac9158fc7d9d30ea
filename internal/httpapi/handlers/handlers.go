// Package handlers implements the storyclip HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"storyclip/internal/capability"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/middleware"
	"storyclip/internal/ports"
	"storyclip/internal/publish"
)

// Queue is the API side of a worker lane. queue.RedisQueue implements it.
type Queue interface {
	Name() string
	Push(ctx context.Context, id string) error
	Len(ctx context.Context) (int64, error)
}

// CapabilitySource returns the snapshot last published by a worker.
type CapabilitySource interface {
	Load(ctx context.Context) (*capability.Snapshot, error)
}

// Check is one dependency probe of the deep health check.
type Check func(ctx context.Context) (map[string]any, error)

type Deps struct {
	Jobs        jobs.Store
	RenderQueue Queue
	// MaxDepth is the render lane watermark; 0 disables the check.
	MaxDepth int

	Batches      publish.Store
	Tracker      *publish.Tracker
	PublishQueue Queue

	Capabilities CapabilitySource
	Storage      ports.StorageProvider
	// Checks run in name order on /health?deep=true.
	Checks map[string]Check

	// CheckOrigin gates websocket upgrades. Nil allows every origin.
	CheckOrigin func(origin string) bool
	// StreamInterval is how often the status stream polls the store.
	StreamInterval time.Duration

	Clock clock.Clock
	Log   *logger.Logger
}

type Handler struct {
	jobs        jobs.Store
	renderQueue Queue
	maxDepth    int

	batches      publish.Store
	tracker      *publish.Tracker
	publishQueue Queue

	caps    CapabilitySource
	storage ports.StorageProvider
	checks  map[string]Check

	checkOrigin    func(origin string) bool
	streamInterval time.Duration

	clock clock.Clock
	log   *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	interval := d.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		jobs:           d.Jobs,
		renderQueue:    d.RenderQueue,
		maxDepth:       d.MaxDepth,
		batches:        d.Batches,
		tracker:        d.Tracker,
		publishQueue:   d.PublishQueue,
		caps:           d.Capabilities,
		storage:        d.Storage,
		checks:         d.Checks,
		checkOrigin:    d.CheckOrigin,
		streamInterval: interval,
		clock:          clock.OrReal(d.Clock),
		log:            log.WithComponent("api"),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	middleware.HandleError(w, r, h.log, err)
}

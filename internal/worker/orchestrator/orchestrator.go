// Package orchestrator drives one render job from source to artifacts:
// resolve source, plan effects, cut segments, render, reconcile outputs,
// register artifacts, then complete or fail the job.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"storyclip/internal/capability"
	"storyclip/internal/effects"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/ports"
	"storyclip/internal/worker/queue"
	"storyclip/internal/worker/renderer"
)

// Renderer is the ffmpeg side of a run.
type Renderer interface {
	Render(ctx context.Context, c renderer.Clip) error
	Duration(ctx context.Context, src string) (float64, error)
}

// Capabilities serves the current capability snapshot.
type Capabilities interface {
	Snapshot(ctx context.Context) *capability.Snapshot
	Invalidate()
}

// Progress milestones. Rendering spreads clips across renderStart..renderEnd.
const (
	progressSource    = 5
	progressPlanned   = 15
	renderStart       = 20
	renderEnd         = 90
	progressReconcile = 92
	progressRegister  = 95
)

type Config struct {
	Store        jobs.Store
	Capabilities Capabilities
	Renderer     Renderer
	Storage      ports.StorageProvider
	Workspace    Workspace
	// PublicBaseURL prefixes locators of clips a local provider serves.
	PublicBaseURL string
	// APIBaseURL prefixes the content URL of clips on remote providers.
	APIBaseURL      string
	Preset          string
	HTTPClient      *http.Client
	DownloadTimeout time.Duration
	Log             *logger.Logger
}

type Orchestrator struct {
	store           jobs.Store
	caps            Capabilities
	renderer        Renderer
	storage         ports.StorageProvider
	ws              Workspace
	publicBaseURL   string
	apiBaseURL      string
	preset          string
	http            *http.Client
	downloadTimeout time.Duration
	log             *logger.Logger
}

func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Orchestrator{
		store:           cfg.Store,
		caps:            cfg.Capabilities,
		renderer:        cfg.Renderer,
		storage:         cfg.Storage,
		ws:              cfg.Workspace,
		publicBaseURL:   cfg.PublicBaseURL,
		apiBaseURL:      cfg.APIBaseURL,
		preset:          cfg.Preset,
		http:            hc,
		downloadTimeout: cfg.DownloadTimeout,
		log:             log.WithComponent("orchestrator"),
	}
}

// Run executes one attempt of jobID. A retryable error on a non-final
// attempt is returned without touching the job so the queue can try again;
// any other error fails the job first.
func (o *Orchestrator) Run(ctx context.Context, jobID string, a queue.Attempt) error {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := o.log.FromContext(ctx).WithFields(map[string]any{"attempt": a.Number})

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Warn("job vanished before it ran")
			return nil
		}
		return errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.load", "load job")
	}
	if job.Status.Terminal() {
		log.Info("job already finished, skipping", "status", string(job.Status))
		return nil
	}
	if job.Status == jobs.StatusQueued {
		if _, err := o.store.Start(ctx, jobID); err != nil {
			return errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.start", "mark job running")
		}
	}

	started := time.Now()
	log.Info("job started")

	err = o.process(ctx, job, log)
	if err == nil {
		o.cleanup(job, true, log)
		log.Info("job completed", "duration_ms", time.Since(started).Milliseconds())
		return nil
	}

	return o.finish(ctx, job, a, err, log)
}

func (o *Orchestrator) finish(ctx context.Context, job *jobs.Job, a queue.Attempt, cause error, log *logger.Logger) error {
	// interrupted by shutdown: leave the job running so it can be requeued
	if ctx.Err() != nil {
		o.cleanup(job, false, log)
		log.Warn("job interrupted", "error", cause.Error())
		return cause
	}

	if errors.IsRetryable(cause) && !a.Final() {
		o.cleanup(job, false, log)
		log.Warn("attempt failed, will retry",
			"code", string(errors.GetCode(cause)),
			"error", cause.Error(),
		)
		_, _ = o.store.Progress(ctx, job.ID, 0, fmt.Sprintf("attempt %d failed, retrying", a.Number))
		return cause
	}

	code := errors.GetCode(cause)
	if _, err := o.store.Fail(ctx, job.ID, code, cause.Error()); err != nil {
		log.Error("record failure", "error", err.Error())
	}
	o.cleanup(job, true, log)
	log.Error("job failed", "code", string(code), "error", cause.Error())
	return cause
}

func (o *Orchestrator) process(ctx context.Context, job *jobs.Job, log *logger.Logger) error {
	o.progress(ctx, job.ID, progressSource, "resolving source", log)
	src, err := o.resolveSource(ctx, job.ID, job.Input.SourceLocator)
	if err != nil {
		return err
	}

	req, err := effects.ParseRequest(job.Input.Effects)
	if err != nil {
		return err
	}
	dist := job.Input.Distribution.WithDefaults()
	if _, ok := req.Get(effects.KindGeometry); !ok {
		req = req.With(effects.Geometry{Width: dist.Width, Height: dist.Height})
	}
	preset := dist.Preset
	if !renderer.KnownPreset(preset) {
		preset = o.preset
	}

	duration, err := o.renderer.Duration(ctx, src)
	if err != nil {
		return err
	}
	segs, err := Segments(dist, duration)
	if err != nil {
		return err
	}

	snap := o.caps.Snapshot(ctx)
	workDir := o.ws.JobDir(job.ID)
	outDir := o.ws.OutputDir(job.ID)
	total := len(segs)

	for i, seg := range segs {
		plan := effects.Compile(req, snap, effects.Options{
			WorkDir:     workDir,
			ClipSeconds: seg.Duration(),
			ClipIndex:   i + 1,
			ClipTotal:   total,
		})
		if i == 0 {
			o.reportPlan(ctx, job.ID, plan, total, log)
		}

		err := o.renderer.Render(ctx, renderer.Clip{
			Source:   src,
			Output:   filepath.Join(outDir, jobs.ArtifactFile(i+1)),
			Start:    seg.Start,
			Duration: seg.Duration(),
			Plan:     plan,
			Preset:   preset,
		})
		if err != nil {
			if renderer.IsMissingFilter(err) {
				log.Warn("ffmpeg lacks a filter the snapshot listed, invalidating capabilities")
				o.caps.Invalidate()
			}
			return errors.Wrapf(err, "orchestrator.render", "render clip %d/%d", i+1, total)
		}

		p := renderStart + (renderEnd-renderStart)*(i+1)/total
		o.progress(ctx, job.ID, p, fmt.Sprintf("rendered clip %d/%d", i+1, total), log)
	}

	o.progress(ctx, job.ID, progressReconcile, "reconciling outputs", log)
	rec, err := Reconcile(o.ws, job.ID, total, log)
	if err != nil {
		return err
	}
	if rec.Relocated > 0 {
		log.Info("outputs reconciled", "relocated", rec.Relocated)
	}

	o.progress(ctx, job.ID, progressRegister, "registering artifacts", log)
	arts, err := o.registerArtifacts(ctx, job.ID, rec.Files, segs)
	if err != nil {
		return err
	}

	applied, err := o.store.Complete(ctx, job.ID, arts)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.complete", "complete job")
	}
	if !applied {
		log.Warn("job finished elsewhere before completion was recorded")
	}
	return nil
}

func (o *Orchestrator) reportPlan(ctx context.Context, jobID string, plan effects.Plan, total int, log *logger.Logger) {
	for _, w := range plan.Warnings {
		log.Warn("effect degraded", "code", string(errors.CodeCapabilityGap), "warning", w)
	}
	msg := fmt.Sprintf("rendering %d clips", total)
	if len(plan.Warnings) > 0 {
		msg += " (" + strings.Join(plan.Warnings, "; ") + ")"
	}
	o.progress(ctx, jobID, progressPlanned, msg, log)
}

func (o *Orchestrator) progress(ctx context.Context, jobID string, p int, msg string, log *logger.Logger) {
	if _, err := o.store.Progress(ctx, jobID, p, msg); err != nil {
		log.Warn("progress update failed", "progress", p, "error", err.Error())
	}
}

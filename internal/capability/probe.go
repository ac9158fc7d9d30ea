// Package capability discovers which filters, codecs and hardware
// accelerators the installed ffmpeg supports and caches the answer.
//
// Readers never wait on a refresh once a snapshot exists: a stale snapshot
// is served while one background refresh runs. Only the very first read
// blocks, and concurrent first reads share a single probe.
package capability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/execrun"
	"storyclip/internal/pkg/logger"
)

const (
	DefaultTTL               = 15 * time.Minute
	DefaultRetryAfterFailure = time.Minute

	refreshKey     = "refresh"
	refreshTimeout = 30 * time.Second
)

type Config struct {
	Runner execrun.Runner
	// Binary defaults to "ffmpeg".
	Binary            string
	TTL               time.Duration
	RetryAfterFailure time.Duration
	Clock             clock.Clock
	Log               *logger.Logger
	// OnRefresh is called after every successful probe.
	OnRefresh func(ctx context.Context, snap *Snapshot)
}

type Probe struct {
	cfg Config
	log *logger.Logger

	mu          sync.RWMutex
	current     *Snapshot
	lastAttempt time.Time
	lastFailed  bool
	invalidated bool

	group      singleflight.Group
	refreshing atomic.Bool
}

func NewProbe(cfg Config) *Probe {
	if cfg.Runner == nil {
		cfg.Runner = execrun.Exec{}
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryAfterFailure <= 0 {
		cfg.RetryAfterFailure = DefaultRetryAfterFailure
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Probe{cfg: cfg, log: log.WithComponent("capability")}
}

// Snapshot returns the cached snapshot, probing synchronously only when
// nothing has been cached yet. The result is never nil.
func (p *Probe) Snapshot(ctx context.Context) *Snapshot {
	p.mu.RLock()
	cur := p.current
	fresh := p.freshLocked(p.cfg.Clock.Now())
	p.mu.RUnlock()

	if cur != nil {
		if !fresh {
			p.refreshInBackground()
		}
		return cur
	}

	snap, _ := p.refreshShared(ctx)
	return snap
}

// Has reports whether every filter in names is available.
func (p *Probe) Has(ctx context.Context, names []string) Availability {
	missing := p.Snapshot(ctx).MissingFilters(names)
	return Availability{Available: len(missing) == 0, Missing: missing}
}

// Refresh probes ffmpeg now. On failure it returns the last good snapshot
// (or an empty one carrying Err) together with the error.
func (p *Probe) Refresh(ctx context.Context) (*Snapshot, error) {
	return p.refreshShared(ctx)
}

// Invalidate marks the cache stale so the next read triggers a refresh.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.invalidated = true
	p.mu.Unlock()
	p.log.Info("capability cache invalidated")
}

func (p *Probe) freshLocked(now time.Time) bool {
	if p.current == nil || p.invalidated {
		return false
	}
	window := p.cfg.TTL
	if p.lastFailed {
		window = p.cfg.RetryAfterFailure
	}
	return now.Sub(p.lastAttempt) < window
}

func (p *Probe) refreshInBackground() {
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := p.refreshShared(ctx); err != nil {
			p.log.Warn("background capability refresh failed", "error", err.Error())
		}
	}()
}

type refreshResult struct {
	snap *Snapshot
	err  error
}

func (p *Probe) refreshShared(ctx context.Context) (*Snapshot, error) {
	v, _, _ := p.group.Do(refreshKey, func() (any, error) {
		snap, err := p.refresh(ctx)
		return refreshResult{snap: snap, err: err}, nil
	})
	res := v.(refreshResult)
	return res.snap, res.err
}

func (p *Probe) refresh(ctx context.Context) (*Snapshot, error) {
	start := p.cfg.Clock.Now()
	p.log.Info("refreshing ffmpeg capabilities")

	snap, err := p.probe(ctx, start)

	p.mu.Lock()
	p.lastAttempt = start
	if err != nil {
		p.lastFailed = true
		if p.current == nil || p.current.Failed() {
			p.current = emptySnapshot(start, err)
		}
		p.invalidated = false
		result := p.current
		p.mu.Unlock()

		p.log.Error("capability probe failed", "error", err.Error(), "serving_cached", !result.Failed())
		return result, err
	}
	p.current = snap
	p.lastFailed = false
	p.invalidated = false
	p.mu.Unlock()

	p.log.Info("ffmpeg capabilities cached",
		"version", snap.Version,
		"filters", len(snap.Filters),
		"encoders", len(snap.Encoders),
		"decoders", len(snap.Decoders),
		"hwaccels", len(snap.HWAccels),
	)

	if p.cfg.OnRefresh != nil {
		p.cfg.OnRefresh(ctx, snap)
	}
	return snap, nil
}

// probe runs the introspection commands. Only a failed -filters listing is
// fatal; the other listings degrade to empty sets.
func (p *Probe) probe(ctx context.Context, at time.Time) (*Snapshot, error) {
	filters := p.run(ctx, "-hide_banner", "-filters")
	if !filters.OK() {
		return nil, fmt.Errorf("ffmpeg -filters: %w", filters.Err)
	}
	parsed := ParseFilters(filters.Stdout)
	if len(parsed) == 0 {
		return nil, fmt.Errorf("ffmpeg -filters: no filters in output")
	}

	snap := &Snapshot{
		Filters:     parsed,
		Encoders:    ParseCodecs(p.optional(ctx, "-encoders")),
		Decoders:    ParseCodecs(p.optional(ctx, "-decoders")),
		HWAccels:    ParseHWAccels(p.optional(ctx, "-hwaccels")),
		Version:     "unknown",
		RefreshedAt: at,
	}
	if res := p.run(ctx, "-version"); res.OK() {
		snap.Version = ParseVersion(res.Stdout)
	}
	return snap, nil
}

func (p *Probe) optional(ctx context.Context, flag string) string {
	res := p.run(ctx, "-hide_banner", flag)
	if !res.OK() {
		p.log.Warn("ffmpeg listing failed", "flag", flag, "error", res.Err.Error())
		return ""
	}
	return res.Stdout
}

func (p *Probe) run(ctx context.Context, args ...string) execrun.Result {
	return p.cfg.Runner.Run(ctx, p.cfg.Binary, args...)
}

// Package jobs owns the render job record and its state machine. Only a
// Store mutates a job, and only through the transitions below:
//
//	queued  -> running (Start)
//	running -> running (Progress, monotonic)
//	running -> done    (Complete)
//	queued|running -> error (Fail)
//	done|error -> removed  (Purge, after retention)
//
// Anything else is refused without error and logged as an anomaly.
package jobs

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"storyclip/internal/pkg/errors"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition (other than Purge) exists.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

// MaxErrorMessage bounds the stored failure reason.
const MaxErrorMessage = 2000

const (
	ModeAuto   = "auto"
	ModeManual = "manual"

	DefaultClipDuration = 5.0
	DefaultMaxClips     = 50
	DefaultWidth        = 720
	DefaultHeight       = 1280
	DefaultPreset       = "storyclip_fast"
)

// Segment is a [Start, End) range of the source in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s Segment) Duration() float64 { return s.End - s.Start }

// Distribution says how the source is cut into clips.
type Distribution struct {
	Mode         string    `json:"mode"`
	ClipDuration float64   `json:"clip_duration,omitempty"`
	MaxClips     int       `json:"max_clips,omitempty"`
	Clips        []Segment `json:"clips,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Preset       string    `json:"preset,omitempty"`
}

// WithDefaults fills every unset field.
func (d Distribution) WithDefaults() Distribution {
	if d.Mode == "" {
		d.Mode = ModeAuto
		if len(d.Clips) > 0 {
			d.Mode = ModeManual
		}
	}
	if d.ClipDuration <= 0 {
		d.ClipDuration = DefaultClipDuration
	}
	if d.MaxClips <= 0 {
		d.MaxClips = DefaultMaxClips
	}
	if d.Width <= 0 {
		d.Width = DefaultWidth
	}
	if d.Height <= 0 {
		d.Height = DefaultHeight
	}
	if d.Preset == "" {
		d.Preset = DefaultPreset
	}
	return d
}

// Validate checks what can be checked without knowing the source duration.
func (d Distribution) Validate() error {
	switch d.Mode {
	case ModeAuto:
		if d.ClipDuration > 600 {
			return errors.ValidationField("distribution.clip_duration", "clip_duration must not exceed 600 seconds")
		}
		if d.MaxClips > 500 {
			return errors.ValidationField("distribution.max_clips", "max_clips must not exceed 500")
		}
	case ModeManual:
		if len(d.Clips) == 0 {
			return errors.ValidationField("distribution.clips", "manual mode needs at least one clip")
		}
		if len(d.Clips) > 500 {
			return errors.ValidationField("distribution.clips", "too many clips")
		}
		for i, c := range d.Clips {
			if c.Start < 0 || c.End <= c.Start || math.IsNaN(c.Start) || math.IsNaN(c.End) {
				return errors.ValidationField(fmt.Sprintf("distribution.clips[%d]", i), "clip range must satisfy 0 <= start < end")
			}
		}
	default:
		return errors.ValidationField("distribution.mode", "mode must be auto or manual")
	}
	return nil
}

// Input is what the caller asked for. It does not change after Create.
type Input struct {
	SourceLocator string          `json:"source"`
	Effects       json.RawMessage `json:"effects,omitempty"`
	Distribution  Distribution    `json:"distribution"`
	DiscardSource bool            `json:"discard_source,omitempty"`
}

// Validate normalizes and checks the input.
func (in *Input) Validate() error {
	in.SourceLocator = strings.TrimSpace(in.SourceLocator)
	if in.SourceLocator == "" {
		return errors.ValidationField("source", "source is required")
	}
	if err := ValidateLocator(in.SourceLocator); err != nil {
		return err
	}
	in.Distribution = in.Distribution.WithDefaults()
	return in.Distribution.Validate()
}

// StorageScheme prefixes locators that name an object in the storage
// provider, e.g. storage://uploads/a.mp4.
const StorageScheme = "storage://"

// ValidateLocator accepts an absolute path, an http(s) URL with a host, or a
// storage:// object key.
func ValidateLocator(loc string) error {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		u, err := url.Parse(loc)
		if err != nil || u.Host == "" {
			return errors.ValidationField("source", "invalid source url")
		}
	case strings.HasPrefix(loc, StorageScheme):
		if strings.Trim(strings.TrimPrefix(loc, StorageScheme), "/") == "" {
			return errors.ValidationField("source", "storage source needs an object key")
		}
	case !filepath.IsAbs(loc):
		return errors.ValidationField("source", "source must be an absolute path, an http(s) url or "+StorageScheme+"key")
	}
	return nil
}

// Artifact is one rendered clip.
type Artifact struct {
	ID              string  `json:"id"`
	Locator         string  `json:"locator"`
	ObjectKey       string  `json:"object_key"`
	Provider        string  `json:"provider"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Index           int     `json:"index"`
}

// ArtifactID returns the clip id for a 1-based index, e.g. clip_007.
func ArtifactID(index int) string {
	return fmt.Sprintf("clip_%03d", index)
}

// ArtifactFile returns the rendered file name for a 1-based index.
func ArtifactFile(index int) string {
	return ArtifactID(index) + ".mp4"
}

type Job struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	Input          Input      `json:"input"`
	Artifacts      []Artifact `json:"artifacts"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Artifacts = append([]Artifact(nil), j.Artifacts...)
	c.Input.Effects = append(json.RawMessage(nil), j.Input.Effects...)
	c.Input.Distribution.Clips = append([]Segment(nil), j.Input.Distribution.Clips...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

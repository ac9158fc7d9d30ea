// Package publish pushes the clips of a finished job to a social publishing
// API and follows each post until the remote side confirms it. A Batch has
// its own item state machine, separate from the render job:
//
//	pending -> uploading -> waiting_confirmation -> published
//	                    \-> failed            \-> failed
package publish

import (
	"strings"
	"time"

	"storyclip/internal/pkg/errors"
)

type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemUploading ItemState = "uploading"
	ItemWaiting   ItemState = "waiting_confirmation"
	ItemPublished ItemState = "published"
	ItemFailed    ItemState = "failed"
)

func (s ItemState) Terminal() bool {
	return s == ItemPublished || s == ItemFailed
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// Item is one clip of a batch.
type Item struct {
	Index      int       `json:"index"`
	ArtifactID string    `json:"artifact_id"`
	MediaURL   string    `json:"media_url"`
	State      ItemState `json:"state"`
	PostID     string    `json:"post_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Batch struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Mode      string    `json:"mode"`
	Caption   string    `json:"caption,omitempty"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status aggregates the item states. It is never stored.
func (b *Batch) Status() BatchStatus {
	var pending, published, failed int
	for _, it := range b.Items {
		switch it.State {
		case ItemPending:
			pending++
		case ItemPublished:
			published++
		case ItemFailed:
			failed++
		}
	}
	n := len(b.Items)
	switch {
	case n == 0 || published == n:
		return BatchCompleted
	case pending == n:
		return BatchPending
	case failed == n:
		return BatchFailed
	case published+failed == n:
		return BatchPartial
	}
	return BatchRunning
}

// Counts returns how many items sit in each state.
func (b *Batch) Counts() map[ItemState]int {
	out := make(map[ItemState]int, 5)
	for _, it := range b.Items {
		out[it.State]++
	}
	return out
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Items = append([]Item(nil), b.Items...)
	return &c
}

// Mode is a publishing pace.
type Mode struct {
	Name string
	// MaxWait bounds the confirmation of one post.
	MaxWait time.Duration
	// BetweenItems is the pause before the next item starts.
	BetweenItems time.Duration
}

var modes = map[string]Mode{
	"safe":  {Name: "safe", MaxWait: 120 * time.Second, BetweenItems: 5 * time.Second},
	"fast":  {Name: "fast", MaxWait: 90 * time.Second, BetweenItems: 3 * time.Second},
	"ultra": {Name: "ultra", MaxWait: 60 * time.Second, BetweenItems: 2 * time.Second},
}

const DefaultMode = "safe"

// ModeFor resolves a mode name. Empty means DefaultMode.
func ModeFor(name string) (Mode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultMode
	}
	m, ok := modes[name]
	if !ok {
		return Mode{}, errors.ValidationField("mode", "mode must be safe, fast or ultra")
	}
	return m, nil
}

// PollIntervals is the confirmation schedule; the last value repeats.
var PollIntervals = []time.Duration{
	1500 * time.Millisecond,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
	21 * time.Second,
}

func pollInterval(n int) time.Duration {
	if n >= len(PollIntervals) {
		return PollIntervals[len(PollIntervals)-1]
	}
	return PollIntervals[n]
}

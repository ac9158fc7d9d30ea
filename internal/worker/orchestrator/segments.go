package orchestrator

import (
	"fmt"
	"math"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
)

// manualSlack tolerates a manual end slightly past the probed duration;
// container and stream durations rarely agree exactly.
const manualSlack = 0.5

// Segments cuts a source of the given duration according to d.
func Segments(d jobs.Distribution, duration float64) ([]jobs.Segment, error) {
	d = d.WithDefaults()
	if duration <= 0 || math.IsNaN(duration) {
		return nil, errors.Validation("source has no usable duration")
	}

	if d.Mode == jobs.ModeManual {
		return manualSegments(d.Clips, duration)
	}

	n := int(math.Floor(duration / d.ClipDuration))
	if n < 1 {
		return []jobs.Segment{{Start: 0, End: duration}}, nil
	}
	if n > d.MaxClips {
		n = d.MaxClips
	}

	out := make([]jobs.Segment, n)
	for i := range out {
		start := float64(i) * d.ClipDuration
		out[i] = jobs.Segment{Start: start, End: start + d.ClipDuration}
	}
	return out, nil
}

func manualSegments(clips []jobs.Segment, duration float64) ([]jobs.Segment, error) {
	if len(clips) == 0 {
		return nil, errors.ValidationField("distribution.clips", "manual mode needs at least one clip")
	}

	out := make([]jobs.Segment, len(clips))
	for i, c := range clips {
		field := fmt.Sprintf("distribution.clips[%d]", i)
		if c.Start < 0 || c.End <= c.Start {
			return nil, errors.ValidationField(field, "clip range must satisfy 0 <= start < end")
		}
		if c.Start >= duration || c.End > duration+manualSlack {
			return nil, errors.ValidationField(field,
				fmt.Sprintf("clip %.2f-%.2f is outside the source (%.2fs)", c.Start, c.End, duration))
		}
		if c.End > duration {
			c.End = duration
		}
		out[i] = c
	}
	return out, nil
}

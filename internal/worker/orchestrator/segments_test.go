package orchestrator

import (
	"reflect"
	"testing"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
)

func TestSegments(t *testing.T) {
	tests := []struct {
		name     string
		dist     jobs.Distribution
		duration float64
		want     []jobs.Segment
		wantErr  bool
	}{
		{
			name:     "auto floors",
			dist:     jobs.Distribution{Mode: jobs.ModeAuto, ClipDuration: 5},
			duration: 17.9,
			want:     []jobs.Segment{{Start: 0, End: 5}, {Start: 5, End: 10}, {Start: 10, End: 15}},
		},
		{
			name:     "auto capped by max clips",
			dist:     jobs.Distribution{Mode: jobs.ModeAuto, ClipDuration: 1, MaxClips: 2},
			duration: 60,
			want:     []jobs.Segment{{Start: 0, End: 1}, {Start: 1, End: 2}},
		},
		{
			name:     "auto shorter than one clip",
			dist:     jobs.Distribution{Mode: jobs.ModeAuto, ClipDuration: 5},
			duration: 3.2,
			want:     []jobs.Segment{{Start: 0, End: 3.2}},
		},
		{
			name:     "manual kept",
			dist:     jobs.Distribution{Mode: jobs.ModeManual, Clips: []jobs.Segment{{Start: 2, End: 4}, {Start: 0, End: 1}}},
			duration: 10,
			want:     []jobs.Segment{{Start: 2, End: 4}, {Start: 0, End: 1}},
		},
		{
			name:     "manual end within slack is clamped",
			dist:     jobs.Distribution{Mode: jobs.ModeManual, Clips: []jobs.Segment{{Start: 8, End: 10.4}}},
			duration: 10,
			want:     []jobs.Segment{{Start: 8, End: 10}},
		},
		{
			name:     "manual end past slack",
			dist:     jobs.Distribution{Mode: jobs.ModeManual, Clips: []jobs.Segment{{Start: 8, End: 10.6}}},
			duration: 10,
			wantErr:  true,
		},
		{
			name:     "manual start past end of source",
			dist:     jobs.Distribution{Mode: jobs.ModeManual, Clips: []jobs.Segment{{Start: 10, End: 10.2}}},
			duration: 10,
			wantErr:  true,
		},
		{
			name:     "zero duration",
			dist:     jobs.Distribution{},
			duration: 0,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Segments(tt.dist, tt.duration)
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

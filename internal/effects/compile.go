package effects

import (
	"fmt"
	"strings"

	"storyclip/internal/capability"
)

// ReasonMissingFilters is the only reason an effect is left out today.
const ReasonMissingFilters = "missing_filters"

// MissingEffect records a requested effect that could not be applied.
type MissingEffect struct {
	Effect  Kind     `json:"effect"`
	Reason  string   `json:"reason"`
	Filters []string `json:"filters"`
}

// Stabilization describes the analysis pass that must run before the main
// render when stabilization is applied.
type Stabilization struct {
	DetectFilter  string        `json:"detect_filter"`
	TransformFile TransformFile `json:"transform_file"`
}

// Plan is the compiled result. It is not modified after Compile returns.
type Plan struct {
	FilterChain string `json:"filter_chain"`
	// Complex means FilterChain is a labelled graph for -filter_complex whose
	// output pad is [v].
	Complex       bool            `json:"complex"`
	Fragments     []Fragment      `json:"fragments"`
	Applied       []Kind          `json:"applied"`
	Missing       []MissingEffect `json:"missing"`
	Warnings      []string        `json:"warnings"`
	Stabilization *Stabilization  `json:"stabilization,omitempty"`
	// ExtraInputs are additional ffmpeg inputs, in order, after the source.
	ExtraInputs []string `json:"extra_inputs,omitempty"`
}

// OutputLabel is the pad name a complex graph ends with.
const OutputLabel = "[v]"

// Compile selects the effects of req that snap can run and builds their
// filter chain. Unavailable effects are reported, never fatal. A nil or
// failed snapshot makes every effect unavailable.
func Compile(req Request, snap *capability.Snapshot, opts Options) Plan {
	plan := Plan{
		Fragments: []Fragment{},
		Applied:   []Kind{},
		Missing:   []MissingEffect{},
		Warnings:  []string{},
	}

	if snap.Failed() && len(req.Effects) > 0 {
		reason := "no snapshot"
		if snap != nil {
			reason = snap.Err
		}
		plan.Warnings = append(plan.Warnings, "ffmpeg capability probe failed, effects disabled: "+reason)
	}

	effects := make([]Effect, len(req.Effects))
	copy(effects, req.Effects)
	sortCanonical(effects)

	var overlay *Overlay
	for _, e := range effects {
		missing := snap.MissingFilters(e.RequiredFilters())
		if len(missing) > 0 {
			plan.Missing = append(plan.Missing, MissingEffect{
				Effect:  e.Kind(),
				Reason:  ReasonMissingFilters,
				Filters: missing,
			})
			plan.Warnings = append(plan.Warnings, missingWarning(e.Kind(), missing))
			continue
		}

		if f, ok := e.(Fade); ok && f.Out > 0 && opts.ClipSeconds <= f.Out {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("fade out of %ss does not fit a %ss clip, skipped", num(f.Out), num(opts.ClipSeconds)))
		}
		frags := e.fragments(opts)
		if len(frags) == 0 {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("effect %s has nothing to apply to this clip", e.Kind()))
			continue
		}
		plan.Applied = append(plan.Applied, e.Kind())
		plan.Fragments = append(plan.Fragments, frags...)

		switch v := e.(type) {
		case Stabilize:
			plan.Stabilization = &Stabilization{
				DetectFilter:  frags[0].Expr,
				TransformFile: TransformFile(transformPath(opts)),
			}
		case Overlay:
			o := v
			overlay = &o
			plan.ExtraInputs = append(plan.ExtraInputs, v.Image)
		}
	}

	if overlay != nil {
		plan.Complex = true
		plan.FilterChain = overlayGraph(plan.Fragments)
	} else {
		plan.FilterChain = joinStage(plan.Fragments, StageMain)
	}
	return plan
}

func missingWarning(k Kind, filters []string) string {
	list := strings.Join(filters, ", ")
	if k == KindGeometry {
		return fmt.Sprintf("geometry unavailable (missing %s), output keeps source dimensions", list)
	}
	return fmt.Sprintf("effect %s skipped, missing filters: %s", k, list)
}

func joinStage(frags []Fragment, stage Stage) string {
	var parts []string
	for _, f := range frags {
		if f.Stage == stage {
			parts = append(parts, f.Expr)
		}
	}
	return strings.Join(parts, ",")
}

// overlayGraph builds
//
//	[0:v]<before>[base];[1:v]<source>[wm];[base][wm]overlay=X:Y[ov];[ov]<after>[v]
//
// dropping the optional before/after chains when empty.
func overlayGraph(frags []Fragment) string {
	var before, after []string
	var source, overlay string
	seen := false

	for _, f := range frags {
		switch {
		case f.Stage == StageOverlaySource:
			source = f.Expr
		case f.Kind == KindOverlay && f.Stage == StageMain:
			overlay = f.Expr
			seen = true
		case f.Stage != StageMain:
		case seen:
			after = append(after, f.Expr)
		default:
			before = append(before, f.Expr)
		}
	}

	var graph []string
	base := "[0:v]"
	if len(before) > 0 {
		graph = append(graph, "[0:v]"+strings.Join(before, ",")+"[base]")
		base = "[base]"
	}
	graph = append(graph, "[1:v]"+source+"[wm]")

	if len(after) > 0 {
		graph = append(graph,
			base+"[wm]"+overlay+"[ov]",
			"[ov]"+strings.Join(after, ",")+OutputLabel,
		)
	} else {
		graph = append(graph, base+"[wm]"+overlay+OutputLabel)
	}
	return strings.Join(graph, ";")
}

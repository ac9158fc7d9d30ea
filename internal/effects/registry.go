package effects

import (
	"bytes"
	"encoding/json"
	"sort"

	"storyclip/internal/pkg/errors"
)

type entry struct {
	order int
	// defaults returns a pointer to the effect with default params; request
	// params are decoded on top of it.
	defaults func() any
	deref    func(any) Effect
}

// registry fixes both the JSON keys accepted and the canonical filter order.
// Geometry is last so scaling and padding act on the finished picture.
var registry = map[Kind]entry{
	KindFlip: {0, func() any { return &Flip{Horizontal: true} }, func(v any) Effect { return *v.(*Flip) }},
	KindZoomPan: {1, func() any { return &ZoomPan{Zoom: 1.2, Seconds: 5, FPS: 30} },
		func(v any) Effect { return *v.(*ZoomPan) }},
	KindColor: {2, func() any { return &ColorAdjust{Contrast: 1, Saturation: 1} },
		func(v any) Effect { return *v.(*ColorAdjust) }},
	KindBlur: {3, func() any { return &Blur{Sigma: 0.5} }, func(v any) Effect { return *v.(*Blur) }},
	KindStabilize: {4, func() any { return &Stabilize{Shakiness: 8, Accuracy: 9, StepSize: 6, Smoothing: 10} },
		func(v any) Effect { return *v.(*Stabilize) }},
	KindFade: {5, func() any { return &Fade{In: 1} }, func(v any) Effect { return *v.(*Fade) }},
	KindIndicator: {6, func() any {
		return &Indicator{Text: "CLIP {n}", X: 20, Y: 20, FontSize: 36, FontColor: "white", BoxHeight: 80}
	}, func(v any) Effect { return *v.(*Indicator) }},
	KindOverlay: {7, func() any { return &Overlay{Opacity: 0.7, Scale: 0.2} }, func(v any) Effect { return *v.(*Overlay) }},
	KindGeometry: {8, func() any { return &Geometry{Width: 720, Height: 1280} },
		func(v any) Effect { return *v.(*Geometry) }},
}

// Kinds returns every known kind in canonical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return registry[out[i]].order < registry[out[j]].order })
	return out
}

// RequiredFilters lists the filters kind k needs with its default params.
func RequiredFilters(k Kind) []string {
	ent, ok := registry[k]
	if !ok {
		return nil
	}
	return ent.deref(ent.defaults()).RequiredFilters()
}

// Request is a validated effect request, kept in canonical order.
type Request struct {
	Effects []Effect
}

// With returns a copy of r with e added, replacing any effect of the same kind.
func (r Request) With(e Effect) Request {
	out := make([]Effect, 0, len(r.Effects)+1)
	for _, cur := range r.Effects {
		if cur.Kind() != e.Kind() {
			out = append(out, cur)
		}
	}
	out = append(out, e)
	sortCanonical(out)
	return Request{Effects: out}
}

// Get returns the effect of kind k, if requested.
func (r Request) Get(k Kind) (Effect, bool) {
	for _, e := range r.Effects {
		if e.Kind() == k {
			return e, true
		}
	}
	return nil, false
}

// ParseRequest decodes {"kind": params|true|false, ...}. true selects the
// defaults, false (or null) leaves the effect out. Unknown kinds and
// malformed params are validation errors.
func ParseRequest(data []byte) (Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Request{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, errors.WrapWithCode(err, errors.CodeValidation, "effects.parse", "effects must be a JSON object")
	}

	var out []Effect
	for key, msg := range raw {
		field := "effects." + key
		ent, ok := registry[Kind(key)]
		if !ok {
			return Request{}, errors.ValidationField(field, "unknown effect: "+key)
		}

		msg = bytes.TrimSpace(msg)
		switch {
		case bytes.Equal(msg, []byte("false")), bytes.Equal(msg, []byte("null")):
			continue
		case bytes.Equal(msg, []byte("true")):
			out = append(out, ent.deref(ent.defaults()))
			continue
		}

		params := ent.defaults()
		dec := json.NewDecoder(bytes.NewReader(msg))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return Request{}, errors.WrapWithCode(err, errors.CodeValidation, "effects.parse", "invalid params for "+key).
				WithField("field", field)
		}

		out = append(out, ent.deref(params))
	}

	sortCanonical(out)
	for _, e := range out {
		if err := e.validate(); err != nil {
			return Request{}, err
		}
	}
	return Request{Effects: out}, nil
}

func sortCanonical(es []Effect) {
	sort.SliceStable(es, func(i, j int) bool {
		return registry[es[i].Kind()].order < registry[es[j].Kind()].order
	})
}

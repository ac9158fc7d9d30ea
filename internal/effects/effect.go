// Package effects turns a requested set of visual effects into an ffmpeg
// filter chain, dropping effects whose filters the installed ffmpeg lacks.
package effects

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"storyclip/internal/pkg/errors"
)

// Kind names an effect. The set is closed.
type Kind string

const (
	KindFlip      Kind = "flip"
	KindZoomPan   Kind = "zoompan"
	KindColor     Kind = "color"
	KindBlur      Kind = "blur"
	KindStabilize Kind = "stabilize"
	KindFade      Kind = "fade"
	KindIndicator Kind = "indicator"
	KindOverlay   Kind = "overlay"
	KindGeometry  Kind = "geometry"
)

// Stage tells the renderer where a fragment goes.
type Stage string

const (
	// StageMain fragments make up the filter chain of the render pass.
	StageMain Stage = "main"
	// StageDetect runs in the stabilization analysis pass.
	StageDetect Stage = "detect"
	// StageOverlaySource prepares the overlay image input.
	StageOverlaySource Stage = "overlay_source"
)

// Fragment is one piece of filter graph text produced by an effect.
type Fragment struct {
	Kind  Kind   `json:"kind"`
	Stage Stage  `json:"stage"`
	Expr  string `json:"expr"`
}

// Options carries per-render values some fragments depend on.
type Options struct {
	// WorkDir holds intermediate files such as the stabilization transforms.
	WorkDir string
	// ClipSeconds is the length of the clip being rendered; fade-out needs it.
	ClipSeconds float64
	// ClipIndex and ClipTotal fill the indicator text.
	ClipIndex int
	ClipTotal int
}

// Effect is implemented only by the types in this package.
type Effect interface {
	Kind() Kind
	// RequiredFilters lists the ffmpeg filters the effect needs.
	RequiredFilters() []string
	fragments(opts Options) []Fragment
	validate() error
}

// Flip mirrors the picture.
type Flip struct {
	Horizontal bool `json:"horizontal"`
	Vertical   bool `json:"vertical"`
}

func (Flip) Kind() Kind { return KindFlip }

func (f Flip) RequiredFilters() []string {
	var out []string
	if f.Horizontal {
		out = append(out, "hflip")
	}
	if f.Vertical {
		out = append(out, "vflip")
	}
	return out
}

func (f Flip) fragments(Options) []Fragment {
	var out []Fragment
	for _, name := range f.RequiredFilters() {
		out = append(out, Fragment{Kind: KindFlip, Stage: StageMain, Expr: name})
	}
	return out
}

func (f Flip) validate() error {
	if !f.Horizontal && !f.Vertical {
		return errors.ValidationField("effects.flip", "flip needs horizontal or vertical")
	}
	return nil
}

// ZoomPan is a slow centered zoom.
type ZoomPan struct {
	Zoom    float64 `json:"zoom"`
	Seconds float64 `json:"seconds"`
	FPS     int     `json:"fps"`
}

func (ZoomPan) Kind() Kind                { return KindZoomPan }
func (ZoomPan) RequiredFilters() []string { return []string{"zoompan"} }

func (z ZoomPan) fragments(Options) []Fragment {
	frames := int(z.Seconds * float64(z.FPS))
	return []Fragment{{
		Kind:  KindZoomPan,
		Stage: StageMain,
		Expr:  fmt.Sprintf("zoompan=z='%s':d=%d:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)'", num(z.Zoom), frames),
	}}
}

func (z ZoomPan) validate() error {
	if z.Zoom < 1 || z.Zoom > 10 {
		return errors.ValidationField("effects.zoompan.zoom", "zoom must be within 1..10")
	}
	if z.Seconds <= 0 || z.FPS <= 0 {
		return errors.ValidationField("effects.zoompan", "seconds and fps must be positive")
	}
	return nil
}

// ColorAdjust maps to eq, plus hue when a hue shift is requested.
type ColorAdjust struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Hue        float64 `json:"hue"`
}

func (ColorAdjust) Kind() Kind { return KindColor }

func (c ColorAdjust) RequiredFilters() []string {
	if c.Hue != 0 {
		return []string{"eq", "hue"}
	}
	return []string{"eq"}
}

func (c ColorAdjust) fragments(Options) []Fragment {
	out := []Fragment{{
		Kind:  KindColor,
		Stage: StageMain,
		Expr:  fmt.Sprintf("eq=brightness=%s:contrast=%s:saturation=%s", num(c.Brightness), num(c.Contrast), num(c.Saturation)),
	}}
	if c.Hue != 0 {
		out = append(out, Fragment{Kind: KindColor, Stage: StageMain, Expr: "hue=h=" + num(c.Hue)})
	}
	return out
}

func (c ColorAdjust) validate() error {
	switch {
	case c.Brightness < -1 || c.Brightness > 1:
		return errors.ValidationField("effects.color.brightness", "brightness must be within -1..1")
	case c.Contrast < -1000 || c.Contrast > 1000:
		return errors.ValidationField("effects.color.contrast", "contrast must be within -1000..1000")
	case c.Saturation < 0 || c.Saturation > 3:
		return errors.ValidationField("effects.color.saturation", "saturation must be within 0..3")
	}
	return nil
}

type Blur struct {
	Sigma float64 `json:"sigma"`
}

func (Blur) Kind() Kind                { return KindBlur }
func (Blur) RequiredFilters() []string { return []string{"gblur"} }

func (b Blur) fragments(Options) []Fragment {
	return []Fragment{{Kind: KindBlur, Stage: StageMain, Expr: "gblur=sigma=" + num(b.Sigma)}}
}

func (b Blur) validate() error {
	if b.Sigma <= 0 || b.Sigma > 1024 {
		return errors.ValidationField("effects.blur.sigma", "sigma must be within (0, 1024]")
	}
	return nil
}

// Stabilize is a two-pass vid.stab stabilization.
type Stabilize struct {
	Shakiness int `json:"shakiness"`
	Accuracy  int `json:"accuracy"`
	StepSize  int `json:"stepsize"`
	Smoothing int `json:"smoothing"`
}

func (Stabilize) Kind() Kind { return KindStabilize }

func (Stabilize) RequiredFilters() []string {
	return []string{"vidstabdetect", "vidstabtransform"}
}

func (s Stabilize) fragments(opts Options) []Fragment {
	trf := transformPath(opts)
	return []Fragment{
		{
			Kind:  KindStabilize,
			Stage: StageDetect,
			Expr:  fmt.Sprintf("vidstabdetect=stepsize=%d:shakiness=%d:accuracy=%d:result=%s", s.StepSize, s.Shakiness, s.Accuracy, trf),
		},
		{
			Kind:  KindStabilize,
			Stage: StageMain,
			Expr:  fmt.Sprintf("vidstabtransform=smoothing=%d:input=%s", s.Smoothing, trf),
		},
	}
}

func (s Stabilize) validate() error {
	switch {
	case s.Shakiness < 1 || s.Shakiness > 10:
		return errors.ValidationField("effects.stabilize.shakiness", "shakiness must be within 1..10")
	case s.Accuracy < 1 || s.Accuracy > 15:
		return errors.ValidationField("effects.stabilize.accuracy", "accuracy must be within 1..15")
	case s.StepSize < 1 || s.StepSize > 32:
		return errors.ValidationField("effects.stabilize.stepsize", "stepsize must be within 1..32")
	case s.Smoothing < 0:
		return errors.ValidationField("effects.stabilize.smoothing", "smoothing must not be negative")
	}
	return nil
}

// Fade applies a fade-in at the start and a fade-out at the end of each clip.
type Fade struct {
	In  float64 `json:"in"`
	Out float64 `json:"out"`
}

func (Fade) Kind() Kind                { return KindFade }
func (Fade) RequiredFilters() []string { return []string{"fade"} }

func (f Fade) fragments(opts Options) []Fragment {
	var out []Fragment
	if f.In > 0 {
		out = append(out, Fragment{Kind: KindFade, Stage: StageMain, Expr: "fade=t=in:st=0:d=" + num(f.In)})
	}
	if f.Out > 0 && opts.ClipSeconds > f.Out {
		out = append(out, Fragment{
			Kind:  KindFade,
			Stage: StageMain,
			Expr:  fmt.Sprintf("fade=t=out:st=%s:d=%s", num(opts.ClipSeconds-f.Out), num(f.Out)),
		})
	}
	return out
}

func (f Fade) validate() error {
	if f.In < 0 || f.Out < 0 {
		return errors.ValidationField("effects.fade", "fade durations must not be negative")
	}
	if f.In == 0 && f.Out == 0 {
		return errors.ValidationField("effects.fade", "fade needs in or out")
	}
	return nil
}

// Indicator draws a banner with the clip number.
type Indicator struct {
	// Text may contain {n} and {total}.
	Text      string `json:"text"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	FontSize  int    `json:"font_size"`
	FontColor string `json:"font_color"`
	BoxHeight int    `json:"box_height"`
}

func (Indicator) Kind() Kind                { return KindIndicator }
func (Indicator) RequiredFilters() []string { return []string{"drawbox", "drawtext"} }

func (in Indicator) fragments(opts Options) []Fragment {
	text := strings.NewReplacer(
		"{n}", strconv.Itoa(opts.ClipIndex),
		"{total}", strconv.Itoa(opts.ClipTotal),
	).Replace(in.Text)

	return []Fragment{
		{
			Kind:  KindIndicator,
			Stage: StageMain,
			Expr:  fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=%d:color=black@0.5:t=fill", in.BoxHeight),
		},
		{
			Kind:  KindIndicator,
			Stage: StageMain,
			Expr: fmt.Sprintf("drawtext=text='%s':x=%d:y=%d:fontsize=%d:fontcolor=%s",
				escapeDrawtext(text), in.X, in.Y, in.FontSize, in.FontColor),
		},
	}
}

func (in Indicator) validate() error {
	if strings.TrimSpace(in.Text) == "" {
		return errors.ValidationField("effects.indicator.text", "indicator text is required")
	}
	if in.FontSize <= 0 || in.BoxHeight <= 0 {
		return errors.ValidationField("effects.indicator", "font_size and box_height must be positive")
	}
	return nil
}

// Overlay composites an image (watermark) over the video.
type Overlay struct {
	Image string `json:"image"`
	// Position is one of top-left, top-right, bottom-left, bottom-right,
	// center. X and Y, when set, win over Position.
	Position string  `json:"position"`
	X        string  `json:"x"`
	Y        string  `json:"y"`
	Opacity  float64 `json:"opacity"`
	Scale    float64 `json:"scale"`
}

func (Overlay) Kind() Kind { return KindOverlay }

func (Overlay) RequiredFilters() []string {
	return []string{"overlay", "scale", "format", "colorchannelmixer"}
}

func (o Overlay) fragments(Options) []Fragment {
	return []Fragment{
		{
			Kind:  KindOverlay,
			Stage: StageOverlaySource,
			Expr:  fmt.Sprintf("scale=iw*%s:-1,format=rgba,colorchannelmixer=aa=%s", num(o.Scale), num(o.Opacity)),
		},
		{
			Kind:  KindOverlay,
			Stage: StageMain,
			Expr:  "overlay=" + o.coordinates(),
		},
	}
}

var overlayPositions = map[string]string{
	"top-left":     "10:10",
	"top-right":    "W-w-10:10",
	"bottom-left":  "10:H-h-10",
	"bottom-right": "W-w-10:H-h-10",
	"center":       "(W-w)/2:(H-h)/2",
}

const defaultOverlayXY = "(W-w)/2:H-h-40"

func (o Overlay) coordinates() string {
	if o.X != "" && o.Y != "" {
		return o.X + ":" + o.Y
	}
	if xy, ok := overlayPositions[o.Position]; ok {
		return xy
	}
	return defaultOverlayXY
}

func (o Overlay) validate() error {
	if strings.TrimSpace(o.Image) == "" {
		return errors.ValidationField("effects.overlay.image", "overlay image is required")
	}
	if o.Position != "" {
		if _, ok := overlayPositions[o.Position]; !ok {
			return errors.ValidationField("effects.overlay.position", "unknown overlay position: "+o.Position)
		}
	}
	if (o.X == "") != (o.Y == "") {
		return errors.ValidationField("effects.overlay", "x and y must be set together")
	}
	if o.Opacity <= 0 || o.Opacity > 1 {
		return errors.ValidationField("effects.overlay.opacity", "opacity must be within (0, 1]")
	}
	if o.Scale <= 0 || o.Scale > 1 {
		return errors.ValidationField("effects.overlay.scale", "scale must be within (0, 1]")
	}
	return nil
}

// Geometry fits the video into Width x Height, padding with black.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (Geometry) Kind() Kind                { return KindGeometry }
func (Geometry) RequiredFilters() []string { return []string{"scale", "pad"} }

func (g Geometry) fragments(Options) []Fragment {
	return []Fragment{
		{Kind: KindGeometry, Stage: StageMain, Expr: fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", g.Width, g.Height)},
		{Kind: KindGeometry, Stage: StageMain, Expr: fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", g.Width, g.Height)},
	}
}

func (g Geometry) validate() error {
	if g.Width < 16 || g.Height < 16 || g.Width > 7680 || g.Height > 7680 {
		return errors.ValidationField("effects.geometry", "width and height must be within 16..7680")
	}
	if g.Width%2 != 0 || g.Height%2 != 0 {
		return errors.ValidationField("effects.geometry", "width and height must be even")
	}
	return nil
}

// TransformFile is the vid.stab analysis output consumed by the transform pass.
type TransformFile string

const transformFileName = "transforms.trf"

func transformPath(opts Options) string {
	if opts.WorkDir == "" {
		return transformFileName
	}
	return filepath.Join(opts.WorkDir, transformFileName)
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// escapeDrawtext escapes characters that end or split a quoted drawtext value.
func escapeDrawtext(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`).Replace(s)
}

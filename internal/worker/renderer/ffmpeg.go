// Package renderer drives the ffmpeg and ffprobe binaries for the worker.
package renderer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"storyclip/internal/effects"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/execrun"
	"storyclip/internal/pkg/logger"
)

// FFmpeg renders clips by shelling out to ffmpeg.
type FFmpeg struct {
	runner execrun.Runner
	ffmpeg string
	probe  string
	log    *logger.Logger
}

type Config struct {
	Runner execrun.Runner
	// FFmpegBinary and FFprobeBinary default to the names on PATH.
	FFmpegBinary  string
	FFprobeBinary string
	Log           *logger.Logger
}

func New(cfg Config) *FFmpeg {
	if cfg.Runner == nil {
		cfg.Runner = execrun.Exec{}
	}
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}
	return &FFmpeg{
		runner: cfg.Runner,
		ffmpeg: cfg.FFmpegBinary,
		probe:  cfg.FFprobeBinary,
		log:    cfg.Log.WithComponent("ffmpeg"),
	}
}

// Clip is one render invocation.
type Clip struct {
	Source string
	Output string
	// Start and Duration select the segment of Source, in seconds.
	Start    float64
	Duration float64
	Plan     effects.Plan
	Preset   string
}

// Args builds the ffmpeg argument list for c, without the binary name.
func Args(c Clip) []string {
	args := make([]string, 0, 48)
	args = append(args, "-hide_banner", "-nostdin", "-y", "-loglevel", "error")
	args = append(args, seekArgs(c.Start, c.Duration)...)
	args = append(args, "-i", c.Source)
	for _, in := range c.Plan.ExtraInputs {
		args = append(args, "-i", in)
	}

	switch {
	case c.Plan.Complex:
		args = append(args,
			"-filter_complex", c.Plan.FilterChain,
			"-map", effects.OutputLabel,
			"-map", "0:a?",
		)
	case c.Plan.FilterChain != "":
		args = append(args, "-vf", c.Plan.FilterChain)
	}

	args = append(args, PresetFor(c.Preset).Args()...)
	args = append(args, c.Output)
	return args
}

// DetectArgs builds the vid.stab analysis pass for c. Its only output is
// the transform file named inside detectFilter.
func DetectArgs(c Clip, detectFilter string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	args = append(args, seekArgs(c.Start, c.Duration)...)
	args = append(args,
		"-i", c.Source,
		"-vf", detectFilter,
		"-an",
		"-f", "null", "-",
	)
	return args
}

func seekArgs(start, dur float64) []string {
	var out []string
	if start > 0 {
		out = append(out, "-ss", seconds(start))
	}
	if dur > 0 {
		out = append(out, "-t", seconds(dur))
	}
	return out
}

func seconds(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// Render runs the stabilization analysis when the plan carries one, then
// the main pass.
func (f *FFmpeg) Render(ctx context.Context, c Clip) error {
	if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
		return errors.WrapWithCode(err, errors.CodeTransient, "renderer.render", "create output dir")
	}

	if st := c.Plan.Stabilization; st != nil {
		if err := os.MkdirAll(filepath.Dir(string(st.TransformFile)), 0o755); err != nil {
			return errors.WrapWithCode(err, errors.CodeTransient, "renderer.detect", "create transform dir")
		}
		if err := f.run(ctx, "renderer.detect", DetectArgs(c, st.DetectFilter)); err != nil {
			return err
		}
	}

	return f.run(ctx, "renderer.render", Args(c))
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string) error {
	f.log.Debug("exec", "op", op, "args", strings.Join(args, " "))
	res := f.runner.Run(ctx, f.ffmpeg, args...)
	if err := Classify(ctx, op, res); err != nil {
		f.log.Warn("ffmpeg failed",
			"op", op,
			"exit_code", res.ExitCode,
			"code", string(errors.GetCode(err)),
		)
		return err
	}
	return nil
}

// Duration asks ffprobe for the container duration of src in seconds.
func (f *FFmpeg) Duration(ctx context.Context, src string) (float64, error) {
	res := f.runner.Run(ctx, f.probe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		src,
	)
	if err := Classify(ctx, "renderer.duration", res); err != nil {
		return 0, err
	}
	return ParseDuration(res.Stdout)
}

// ParseDuration reads the ffprobe duration output.
func ParseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" || s == "N/A" {
		return 0, errors.Validation("source has no known duration")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeValidation, "renderer.duration", "unparseable duration "+strconv.Quote(s))
	}
	if d <= 0 {
		return 0, errors.Validation("source has no known duration")
	}
	return d, nil
}

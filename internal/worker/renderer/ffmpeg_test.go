package renderer

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"storyclip/internal/effects"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/execrun"
)

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func TestArgsSimpleChain(t *testing.T) {
	args := Args(Clip{
		Source:   "/in/src.mp4",
		Output:   "/out/clip_001.mp4",
		Start:    5,
		Duration: 5,
		Plan:     effects.Plan{FilterChain: "hflip,scale=720:1280"},
	})

	if i := indexOf(args, "-vf"); i < 0 || args[i+1] != "hflip,scale=720:1280" {
		t.Errorf("expected -vf with chain, got %v", args)
	}
	if indexOf(args, "-filter_complex") >= 0 {
		t.Error("simple chain must not use -filter_complex")
	}
	if i := indexOf(args, "-ss"); i < 0 || args[i+1] != "5.000" {
		t.Errorf("expected -ss 5.000, got %v", args)
	}
	if indexOf(args, "-ss") > indexOf(args, "-i") {
		t.Error("expected input seeking before -i")
	}
	if args[len(args)-1] != "/out/clip_001.mp4" {
		t.Errorf("expected output last, got %s", args[len(args)-1])
	}
	if i := indexOf(args, "-crf"); i < 0 || args[i+1] != "22" {
		t.Errorf("expected default preset crf 22, got %v", args)
	}
}

func TestArgsComplexGraph(t *testing.T) {
	args := Args(Clip{
		Source: "/in/src.mp4",
		Output: "/out/clip_001.mp4",
		Plan: effects.Plan{
			FilterChain: "[0:v][1:v]overlay=10:10[v]",
			Complex:     true,
			ExtraInputs: []string{"/in/logo.png"},
		},
		Preset: "storyclip_quality",
	})

	inputs := 0
	for _, a := range args {
		if a == "-i" {
			inputs++
		}
	}
	if inputs != 2 {
		t.Errorf("expected 2 inputs, got %d", inputs)
	}
	if i := indexOf(args, "-map"); i < 0 || args[i+1] != "[v]" {
		t.Errorf("expected -map [v], got %v", args)
	}
	if indexOf(args, "-vf") >= 0 {
		t.Error("complex graph must not use -vf")
	}
	if indexOf(args, "-ss") >= 0 {
		t.Error("expected no seek for start 0")
	}
	if i := indexOf(args, "-b:a"); i < 0 || args[i+1] != "192k" {
		t.Errorf("expected quality preset audio bitrate, got %v", args)
	}
}

func TestArgsEmptyChain(t *testing.T) {
	args := Args(Clip{Source: "a", Output: "b"})
	if indexOf(args, "-vf") >= 0 || indexOf(args, "-filter_complex") >= 0 {
		t.Errorf("expected no filter args, got %v", args)
	}
}

func TestPresetFor(t *testing.T) {
	if PresetFor("nope").Name != DefaultPreset {
		t.Error("expected fallback to default preset")
	}
	a := PresetFor("storyclip_fast").Args()
	a[0] = "mutated"
	if PresetFor("storyclip_fast").Args()[0] != "-c:v" {
		t.Error("preset args must not be shared")
	}
	if !KnownPreset("storyclip_quality") || KnownPreset("x") {
		t.Error("unexpected KnownPreset result")
	}
}

func TestRenderRunsDetectFirst(t *testing.T) {
	dir := t.TempDir()
	var calls []execrun.Call
	runner := execrun.Func(func(ctx context.Context, name string, args ...string) execrun.Result {
		calls = append(calls, execrun.Call{Name: name, Args: args})
		return execrun.Result{}
	})

	f := New(Config{Runner: runner})
	trf := filepath.Join(dir, "work", "transforms.trf")
	err := f.Render(context.Background(), Clip{
		Source: "/src.mp4",
		Output: filepath.Join(dir, "out", "clip_001.mp4"),
		Plan: effects.Plan{
			FilterChain: "vidstabtransform=smoothing=10:input=" + trf,
			Stabilization: &effects.Stabilization{
				DetectFilter:  "vidstabdetect=result=" + trf,
				TransformFile: effects.TransformFile(trf),
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 ffmpeg calls, got %d", len(calls))
	}
	if calls[0].Name != "ffmpeg" || indexOf(calls[0].Args, "null") < 0 {
		t.Errorf("expected detect pass to null muxer first, got %v", calls[0].Args)
	}
	if !strings.HasSuffix(calls[1].Args[len(calls[1].Args)-1], "clip_001.mp4") {
		t.Errorf("expected render pass second, got %v", calls[1].Args)
	}
}

func TestRenderClassifiesFailure(t *testing.T) {
	runner := execrun.Func(func(ctx context.Context, name string, args ...string) execrun.Result {
		return execrun.Result{
			Stderr:   "[AVFilterGraph @ 0x1] No such filter: 'gblur'\nError initializing filters",
			ExitCode: 1,
			Err:      stderrors.New("exit status 1"),
		}
	})
	f := New(Config{Runner: runner})

	err := f.Render(context.Background(), Clip{Source: "a", Output: filepath.Join(t.TempDir(), "b.mp4")})
	if !IsMissingFilter(err) {
		t.Fatalf("expected missing filter classification, got %v", err)
	}
	if errors.GetCode(err) != errors.CodeFailedPrecond {
		t.Errorf("expected %s, got %s", errors.CodeFailedPrecond, errors.GetCode(err))
	}
	if errors.GetFields(err)["filter"] != "gblur" {
		t.Errorf("expected filter field gblur, got %v", errors.GetFields(err))
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    float64
		wantErr bool
	}{
		{"plain", "12.345000\n", 12.345, false},
		{"na", "N/A\n", 0, true},
		{"garbage", "abc", 0, true},
		{"zero", "0.000", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got execrun.Call
			runner := execrun.Func(func(ctx context.Context, name string, args ...string) execrun.Result {
				got = execrun.Call{Name: name, Args: args}
				return execrun.Result{Stdout: tt.stdout}
			})
			f := New(Config{Runner: runner, FFprobeBinary: "/opt/ffprobe"})

			d, err := f.Duration(context.Background(), "/src.mp4")
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if d != tt.want {
				t.Errorf("expected %v, got %v", tt.want, d)
			}
			if got.Name != "/opt/ffprobe" || !reflect.DeepEqual(got.Args[len(got.Args)-1:], []string{"/src.mp4"}) {
				t.Errorf("unexpected invocation %+v", got)
			}
		})
	}
}

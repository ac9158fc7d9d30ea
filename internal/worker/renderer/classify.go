package renderer

import (
	"context"
	stderrors "errors"
	"regexp"
	"strings"

	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/execrun"
)

// Precompiled patterns over ffmpeg stderr. Classify checks them in the order
// listed; the first match decides the error code.
var (
	reMissingFilter = regexp.MustCompile(
		`(?i)No such filter: '?([\w-]+)'?|Filter not found|Unknown filter '?([\w-]+)'?`)

	reInvalidInput = regexp.MustCompile(
		`(?i)Invalid data found when processing input|moov atom not found|` +
			`could not find codec parameters|does not contain any stream`)

	reResource = regexp.MustCompile(
		`(?i)Cannot allocate memory|Resource temporarily unavailable|` +
			`No space left on device|Too many open files|Device or resource busy`)

	reMissingFile = regexp.MustCompile(`(?i)No such file or directory`)
)

// MatchMissingFilter reports whether stderr says a filter does not exist.
func MatchMissingFilter(stderr string) bool {
	return reMissingFilter.MatchString(stderr)
}

// MatchInvalidInput reports whether stderr says the input is not decodable.
func MatchInvalidInput(stderr string) bool {
	return reInvalidInput.MatchString(stderr)
}

// MatchResource reports whether stderr points at host resource exhaustion.
func MatchResource(stderr string) bool {
	return reResource.MatchString(stderr)
}

// missingFilterName extracts the filter named by a "No such filter" line.
func missingFilterName(stderr string) string {
	m := reMissingFilter.FindStringSubmatch(stderr)
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

const (
	// FieldCause is set on classified errors.
	FieldCause = "cause"

	CauseMissingFilter = "missing_filter"
	CauseInvalidInput  = "invalid_input"
	CauseResource      = "resource"
	CauseSignal        = "signal"
	CauseMissingFile   = "missing_file"
	CauseExit          = "exit"
)

// Classify turns a failed invocation into a coded error. It returns nil when
// the invocation succeeded.
func Classify(ctx context.Context, op string, res execrun.Result) error {
	if res.OK() {
		return nil
	}
	tail := stderrTail(res.Stderr, 600)

	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.WrapWithCode(res.Err, errors.CodeTimeout, op, "ffmpeg timed out")
	case ctx.Err() != nil:
		return errors.WrapWithCode(res.Err, errors.CodeTransient, op, "ffmpeg interrupted")
	case MatchMissingFilter(res.Stderr):
		e := errors.WrapWithCode(res.Err, errors.CodeFailedPrecond, op, "ffmpeg filter not available").
			WithField(FieldCause, CauseMissingFilter)
		if name := missingFilterName(res.Stderr); name != "" {
			e.WithField("filter", name)
		}
		return e
	case MatchInvalidInput(res.Stderr):
		return errors.WrapWithCode(res.Err, errors.CodeValidation, op, "source is not a decodable video: "+tail).
			WithField(FieldCause, CauseInvalidInput)
	case MatchResource(res.Stderr):
		return errors.WrapWithCode(res.Err, errors.CodeTransient, op, "ffmpeg ran out of resources: "+tail).
			WithField(FieldCause, CauseResource)
	case res.ExitCode < 0:
		// killed by a signal, or the binary could not be started
		return errors.WrapWithCode(res.Err, errors.CodeTransient, op, "ffmpeg did not exit cleanly").
			WithField(FieldCause, CauseSignal)
	case reMissingFile.MatchString(res.Stderr):
		return errors.WrapWithCode(res.Err, errors.CodeFailedPrecond, op, "ffmpeg could not open a file: "+tail).
			WithField(FieldCause, CauseMissingFile)
	}

	return errors.WrapWithCode(res.Err, errors.CodeInternal, op, "ffmpeg failed: "+tail).
		WithField(FieldCause, CauseExit).
		WithField("exit_code", res.ExitCode)
}

// IsMissingFilter reports whether err was classified as a missing filter.
func IsMissingFilter(err error) bool {
	return errors.GetFields(err)[FieldCause] == CauseMissingFilter
}

// stderrTail keeps the last n bytes of trimmed stderr, cut at a line start.
func stderrTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}

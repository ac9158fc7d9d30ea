package capability

import (
	"regexp"
	"strings"
)

var (
	// " TSC scale             V->V       Scale the input video size"
	reFilterLine = regexp.MustCompile(`^\s*[T.][S.][C.]\s+(\w+)`)
	// " V....D libx264              libx264 H.264 / AVC"
	reCodecLine = regexp.MustCompile(`^\s*[VAS.][A-Z.]{5}\s+([\w-]+)`)
	reVersion   = regexp.MustCompile(`ffmpeg version (\S+)`)
)

const hwaccelHeader = "Hardware acceleration methods:"

// ParseFilters extracts filter names from `ffmpeg -filters`.
func ParseFilters(out string) Set {
	return parseLines(out, reFilterLine)
}

// ParseCodecs extracts names from `ffmpeg -encoders` or `ffmpeg -decoders`.
func ParseCodecs(out string) Set {
	return parseLines(out, reCodecLine)
}

// ParseHWAccels reads the method names listed after the header line.
func ParseHWAccels(out string) Set {
	s := Set{}
	seenHeader := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, hwaccelHeader) {
			seenHeader = true
			continue
		}
		if seenHeader {
			s[line] = struct{}{}
		}
	}
	return s
}

// ParseVersion returns the version token of `ffmpeg -version`, or "unknown".
func ParseVersion(out string) string {
	if m := reVersion.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return "unknown"
}

func parseLines(out string, re *regexp.Regexp) Set {
	s := Set{}
	for _, line := range strings.Split(out, "\n") {
		if m := re.FindStringSubmatch(line); m != nil {
			s[m[1]] = struct{}{}
		}
	}
	return s
}

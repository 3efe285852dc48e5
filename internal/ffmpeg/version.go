package ffmpeg

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// MinimumVersion is the oldest FFmpeg release with every encoder the worker uses.
const MinimumVersion = "4.0"

// ErrNotFound is returned when no ffmpeg binary is on PATH.
var ErrNotFound = errors.New("ffmpeg not found in PATH")

var versionPattern = regexp.MustCompile(`^ffmpeg version n?(\d+(?:\.\d+){0,2})`)

// ParseVersion extracts the release number from the first line of
// `ffmpeg -version`. Development builds without a release number yield "".
func ParseVersion(output string) string {
	line, _, _ := strings.Cut(output, "\n")
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ""
	}
	return m[1]
}

// AtLeast reports whether version is minimum or newer.
func AtLeast(version, minimum string) bool {
	v, m := canonical(version), canonical(minimum)
	if !semver.IsValid(v) || !semver.IsValid(m) {
		return false
	}
	return semver.Compare(v, m) >= 0
}

// Probe runs `ffmpeg -version` and returns the reported release.
func Probe(ctx context.Context) (string, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", ErrNotFound
	}
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-version").Output()
	if err != nil {
		return "", err
	}
	return ParseVersion(string(out)), nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

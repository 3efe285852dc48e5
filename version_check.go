package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const (
	githubRepo           = "oszuidwest/zwfm-recorder"
	githubAPI            = "https://api.github.com"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // Delay before first check to avoid blocking startup
	versionCheckTimeout  = 30 * time.Second // HTTP request timeout
	versionMaxRetries    = 3                // Max retries per check cycle
	versionRetryDelay    = 1 * time.Minute  // Initial delay between retries
	versionRetryMax      = 10 * time.Minute
)

// VersionChecker periodically checks GitHub for new releases and reports
// the FFmpeg version found at startup.
type VersionChecker struct {
	apiURL string

	mu       sync.RWMutex
	latest   string
	etag     string // For conditional requests (304 Not Modified)
	ffmpeg   string
	ffmpegOK bool
}

// NewVersionChecker probes FFmpeg and starts checking for releases until ctx is done.
func NewVersionChecker(ctx context.Context) *VersionChecker {
	vc := &VersionChecker{apiURL: githubAPI}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if v, err := ffmpeg.Probe(probeCtx); err != nil {
		slog.Warn("ffmpeg not available, ogg and mp3 encoding will fail", "error", err)
	} else {
		vc.ffmpeg = v
		vc.ffmpegOK = ffmpeg.AtLeast(v, ffmpeg.MinimumVersion)
	}

	go vc.run(ctx)
	return vc
}

func (vc *VersionChecker) run(ctx context.Context) {
	if !sleep(ctx, versionCheckDelay) {
		return
	}
	vc.checkWithRetry(ctx)

	ticker := time.NewTicker(versionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vc.checkWithRetry(ctx)
		}
	}
}

func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	backoff := util.NewBackoff(versionRetryDelay, versionRetryMax)
	for attempt := range versionMaxRetries {
		if vc.check(ctx) {
			return
		}
		if attempt < versionMaxRetries-1 && !sleep(ctx, backoff.Next()) {
			return
		}
	}
}

// githubRelease represents the GitHub API response for a release.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release. It returns false when a retry may help.
func (vc *VersionChecker) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()

	url := vc.apiURL + "/repos/" + githubRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-recorder/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Debug("version check failed", "error", err)
		return false
	}
	defer util.SafeCloseFunc(resp.Body, "version check response")()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return true
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return false
	default:
		return resp.StatusCode < 500
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return false
	}
	if release.Draft || release.Prerelease {
		return true
	}
	if release.TagName == "" {
		return false
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()
	return true
}

// GetInfo returns the version summary shown to clients.
func (vc *VersionChecker) GetInfo() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:       current,
		Latest:        vc.latest,
		Commit:        Commit,
		BuildTime:     BuildTime,
		FFmpeg:        vc.ffmpeg,
		FFmpegMinimum: ffmpeg.MinimumVersion,
		FFmpegOK:      vc.ffmpegOK,
	}
	if vc.latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}
	return info
}

// normalizeVersion removes 'v' prefix and trims whitespace.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion returns true if latest is newer than current using semver comparison.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

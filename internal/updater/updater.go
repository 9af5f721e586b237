// Package updater checks for newer agent releases.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultReleasesURL is the GitHub API base used for release checks.
const DefaultReleasesURL = "https://api.github.com"

// Service handles version checking.
type Service struct {
	currentVersion string
	githubRepo     string
	apiBase        string
	logger         *slog.Logger
	httpClient     *http.Client
}

// NewService creates a new updater service for githubRepo ("owner/name").
func NewService(currentVersion, githubRepo string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		currentVersion: currentVersion,
		githubRepo:     githubRepo,
		apiBase:        DefaultReleasesURL,
		logger:         logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithAPIBase returns a copy of the service talking to base instead of GitHub.
func (s *Service) WithAPIBase(base string) *Service {
	c := *s
	c.apiBase = strings.TrimRight(base, "/")
	return &c
}

// UpdateInfo contains information about available updates.
type UpdateInfo struct {
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	UpdateAvailable bool   `json:"update_available"`
	ReleaseURL      string `json:"release_url,omitempty"`
	PublishedAt     string `json:"published_at,omitempty"`
}

// GitHubRelease represents a GitHub release from the API.
type GitHubRelease struct {
	TagName     string    `json:"tag_name"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
}

// CheckForUpdates queries GitHub for the latest release and compares with current version.
func (s *Service) CheckForUpdates(ctx context.Context) (*UpdateInfo, error) {
	info := &UpdateInfo{
		CurrentVersion: s.currentVersion,
	}

	if s.currentVersion == "" || s.currentVersion == "dev" {
		s.logger.Debug("skipping update check for dev version")
		return info, nil
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", s.apiBase, s.githubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return info, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "provider-agent/"+s.currentVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return info, fmt.Errorf("failed to fetch releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return info, fmt.Errorf("GitHub API returned status %d: %s", resp.StatusCode, string(body))
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return info, fmt.Errorf("failed to decode release: %w", err)
	}

	if release.Draft || release.Prerelease {
		s.logger.Debug("latest release is draft or prerelease, skipping", "tag", release.TagName)
		return info, nil
	}

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.PublishedAt = release.PublishedAt.Format(time.RFC3339)

	newer, err := IsNewer(s.currentVersion, release.TagName)
	if err != nil {
		s.logger.Warn("failed to compare versions", "error", err)
		return info, nil
	}

	info.UpdateAvailable = newer
	return info, nil
}

// IsNewer reports whether latest is a higher semantic version than current.
// A leading "v" is accepted on either side.
func IsNewer(current, latest string) (bool, error) {
	currentVer, err := semver.NewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}

	latestVer, err := semver.NewVersion(strings.TrimPrefix(latest, "v"))
	if err != nil {
		return false, fmt.Errorf("invalid latest version %q: %w", latest, err)
	}

	return latestVer.GreaterThan(currentVer), nil
}

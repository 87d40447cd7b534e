package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultGitHubAPIBase = "https://api.github.com"
	userAgent            = "sideloadd/1.0"
)

// GitHubRelease mirrors the release object shared by the webhook payload and
// the releases listing API.
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset describes one downloadable file attached to a release.
type GitHubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// ReleaseLister fetches the newest releases of a repository, newest first.
type ReleaseLister interface {
	ListReleases(ctx context.Context, perPage int) ([]GitHubRelease, error)
}

// GitHubClient lists releases from the GitHub REST API for one repository.
type GitHubClient struct {
	base   string
	repo   string
	token  string
	client *http.Client
}

// NewGitHubClient builds a client for owner/name. base overrides the public
// API endpoint (GitHub Enterprise, tests); token is optional.
func NewGitHubClient(base, repo, token string) *GitHubClient {
	if base == "" {
		base = defaultGitHubAPIBase
	}
	return &GitHubClient{
		base:   base,
		repo:   repo,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListReleases fetches up to perPage releases, as ordered by the API
// (newest first). Drafts are filtered out; prereleases are kept since test
// channels ship through them.
func (c *GitHubClient) ListReleases(ctx context.Context, perPage int) ([]GitHubRelease, error) {
	if perPage < 1 {
		perPage = 1
	}
	if perPage > 100 {
		perPage = 100
	}

	url := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", c.base, c.repo, perPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: list releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: list releases for %s: %s", c.repo, resp.Status)
	}

	var releases []GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("github: decode releases: %w", err)
	}

	filtered := releases[:0]
	for _, release := range releases {
		if release.Draft {
			continue
		}
		filtered = append(filtered, release)
	}
	return filtered, nil
}

package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeRegistry is an in-memory Registry for handler and workflow tests.
type fakeRegistry struct {
	mu       sync.Mutex
	releases map[uuid.UUID]Release

	createErr error
	existsErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{releases: map[uuid.UUID]Release{}}
}

func (f *fakeRegistry) add(release Release) Release {
	f.mu.Lock()
	defer f.mu.Unlock()
	if release.ID == uuid.Nil {
		release.ID = uuid.New()
	}
	f.releases[release.ID] = release
	return release
}

func (f *fakeRegistry) Exists(ctx context.Context, tag string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, release := range f.releases {
		if release.Tag == tag {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRegistry) GetByTag(ctx context.Context, tag string) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, release := range f.releases {
		if release.Tag == tag {
			return release, nil
		}
	}
	return Release{}, ErrNotFound
}

func (f *fakeRegistry) GetByID(ctx context.Context, id uuid.UUID) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	release, ok := f.releases[id]
	if !ok {
		return Release{}, ErrNotFound
	}
	return release, nil
}

func (f *fakeRegistry) List(ctx context.Context) ([]Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Release, 0, len(f.releases))
	for _, release := range f.releases {
		out = append(out, release)
	}
	return out, nil
}

func (f *fakeRegistry) LatestCompleted(ctx context.Context) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest Release
	found := false
	for _, release := range f.releases {
		if release.Status != StatusCompleted {
			continue
		}
		if !found || release.PublishedAt.After(latest.PublishedAt) {
			latest = release
			found = true
		}
	}
	if !found {
		return Release{}, ErrNotFound
	}
	return latest, nil
}

func (f *fakeRegistry) Create(ctx context.Context, release Release) (Release, error) {
	if f.createErr != nil {
		return Release{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.releases {
		if existing.Tag == release.Tag {
			return Release{}, ErrDuplicateTag
		}
	}
	release.ID = uuid.New()
	if release.Status == "" {
		release.Status = StatusPending
	}
	release.DetectedAt = time.Now().UTC()
	f.releases[release.ID] = release
	return release, nil
}

func (f *fakeRegistry) Update(ctx context.Context, id uuid.UUID, update ReleaseUpdate) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	release, ok := f.releases[id]
	if !ok {
		return Release{}, ErrNotFound
	}
	if update.Status != nil {
		release.Status = *update.Status
	}
	if update.ApkHash != nil {
		release.ApkHash = update.ApkHash
	}
	if update.ApkSize != nil {
		release.ApkSize = update.ApkSize
	}
	if update.Error != nil {
		release.Error = update.Error
	}
	if update.CompletedAt != nil {
		release.CompletedAt = update.CompletedAt
	}
	if update.ClearError {
		release.Error = nil
	}
	if update.ClearHash {
		release.ApkHash = nil
		release.ApkSize = nil
	}
	release.UpdatedAt = time.Now().UTC()
	f.releases[id] = release
	return release, nil
}

func (f *fakeRegistry) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.releases[id]; !ok {
		return false, nil
	}
	delete(f.releases, id)
	return true, nil
}

func (f *fakeRegistry) Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	release, ok := f.releases[id]
	if !ok {
		return Release{}, ErrNotFound
	}
	if release.Status == StatusDownloading && time.Since(release.UpdatedAt) < staleAfter {
		return Release{}, ErrDownloadInProgress
	}
	release.Status = StatusDownloading
	release.Error = nil
	release.UpdatedAt = time.Now().UTC()
	f.releases[id] = release
	return release, nil
}

func (f *fakeRegistry) CountByHash(ctx context.Context, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, release := range f.releases {
		if release.ApkHash != nil && *release.ApkHash == hash {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) Stats(ctx context.Context) (RegistryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := RegistryStats{Total: len(f.releases)}
	for _, release := range f.releases {
		if release.Status == StatusCompleted {
			stats.Completed++
		}
	}
	return stats, nil
}

// fakeQueue records published jobs.
type fakeQueue struct {
	mu         sync.Mutex
	published  []map[string]any
	publishErr error
}

func (f *fakeQueue) Publish(ctx context.Context, subject string, v any) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	job, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected job type %T", v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job)
	return nil
}

func (f *fakeQueue) jobs() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.published...)
}

// fakeLister serves canned upstream releases.
type fakeLister struct {
	releases    []GitHubRelease
	err         error
	lastPerPage int
}

func (f *fakeLister) ListReleases(ctx context.Context, perPage int) ([]GitHubRelease, error) {
	f.lastPerPage = perPage
	if f.err != nil {
		return nil, f.err
	}
	if perPage < len(f.releases) {
		return f.releases[:perPage], nil
	}
	return f.releases, nil
}

func testConfig() Config {
	return Config{
		Repo:          "acme/headset",
		WebhookSecret: "test-secret",
		ApkSuffix:     ".apk",
		FetchTimeout:  120 * time.Second,
		PresignTTL:    0,
		MaxApkBytes:   64 << 20,
	}
}

func newTestAPI(registry Registry, queue JobQueue, lister ReleaseLister) *API {
	return &API{
		registry: registry,
		queue:    queue,
		releases: lister,
		config:   testConfig(),
	}
}

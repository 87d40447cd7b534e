package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func upstreamRelease(tag string, assets ...GitHubAsset) GitHubRelease {
	return GitHubRelease{
		TagName:     tag,
		Name:        "Release " + tag,
		PublishedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Assets:      assets,
	}
}

func apkAsset(tag string) GitHubAsset {
	return GitHubAsset{
		Name:               "headset-" + tag + ".apk",
		Size:               2048,
		BrowserDownloadURL: "https://example.com/" + tag + ".apk",
	}
}

func TestBackfillOutcomes(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(Release{Tag: "v1.0.0", Status: StatusCompleted})

	lister := &fakeLister{releases: []GitHubRelease{
		upstreamRelease("v3.0.0", apkAsset("v3.0.0")),
		upstreamRelease("v2.0.0"), // no apk asset
		upstreamRelease("v1.0.0", apkAsset("v1.0.0")), // already tracked
		upstreamRelease(""),       // no tag
	}}
	a := newTestAPI(registry, &fakeQueue{}, lister)

	result, err := a.Backfill(context.Background(), BackfillRequest{MaxReleases: 10})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	if result.Added != 1 || result.Skipped != 3 || result.Failed != 0 {
		t.Fatalf("added/skipped/failed = %d/%d/%d, want 1/3/0",
			result.Added, result.Skipped, result.Failed)
	}

	release, err := registry.GetByTag(context.Background(), "v3.0.0")
	if err != nil {
		t.Fatalf("v3.0.0 not registered: %v", err)
	}
	if release.Source != SourcePoll {
		t.Fatalf("source = %q, want %q", release.Source, SourcePoll)
	}
	if release.Status != StatusPending {
		t.Fatalf("status = %q, want %q without auto download", release.Status, StatusPending)
	}
}

func TestBackfillAutoDownload(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{}
	lister := &fakeLister{releases: []GitHubRelease{
		upstreamRelease("v1.0.0", apkAsset("v1.0.0")),
	}}
	a := newTestAPI(registry, queue, lister)

	result, err := a.Backfill(context.Background(), BackfillRequest{MaxReleases: 5, AutoDownload: true})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("added = %d, want 1", result.Added)
	}
	if len(queue.jobs()) != 1 {
		t.Fatalf("published %d jobs, want 1", len(queue.jobs()))
	}
}

func TestBackfillClampsMaxReleases(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{0, 1},
		{-5, 1},
		{50, 50},
		{500, 100},
	}

	for _, tc := range cases {
		lister := &fakeLister{}
		a := newTestAPI(newFakeRegistry(), &fakeQueue{}, lister)
		if _, err := a.Backfill(context.Background(), BackfillRequest{MaxReleases: tc.requested}); err != nil {
			t.Fatalf("Backfill(%d): %v", tc.requested, err)
		}
		if lister.lastPerPage != tc.want {
			t.Fatalf("requested %d: per page = %d, want %d", tc.requested, lister.lastPerPage, tc.want)
		}
	}
}

func TestBackfillIsolatesItemFailures(t *testing.T) {
	registry := newFakeRegistry()
	registry.createErr = errors.New("insert denied")
	lister := &fakeLister{releases: []GitHubRelease{
		upstreamRelease("v1.0.0", apkAsset("v1.0.0")),
		upstreamRelease("v2.0.0"),
	}}
	a := newTestAPI(registry, &fakeQueue{}, lister)

	result, err := a.Backfill(context.Background(), BackfillRequest{MaxReleases: 10})
	if err != nil {
		t.Fatalf("Backfill should not fail on item errors: %v", err)
	}
	if result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("failed/skipped = %d/%d, want 1/1", result.Failed, result.Skipped)
	}
}

func TestBackfillFailsWhenListingFails(t *testing.T) {
	lister := &fakeLister{err: errors.New("api rate limited")}
	a := newTestAPI(newFakeRegistry(), &fakeQueue{}, lister)

	if _, err := a.Backfill(context.Background(), BackfillRequest{MaxReleases: 10}); err == nil {
		t.Fatal("Backfill should fail when the upstream listing fails")
	}
}

func TestBackfillStatusNow(t *testing.T) {
	registry := newFakeRegistry()
	a := newTestAPI(registry, &fakeQueue{}, &fakeLister{})

	status, err := a.BackfillStatusNow(context.Background())
	if err != nil {
		t.Fatalf("BackfillStatusNow: %v", err)
	}
	if status.HasReleases {
		t.Fatal("empty registry reported releases")
	}

	registry.add(Release{Tag: "v1.0.0", Status: StatusCompleted})
	registry.add(Release{Tag: "v2.0.0", Status: StatusFailed})

	status, err = a.BackfillStatusNow(context.Background())
	if err != nil {
		t.Fatalf("BackfillStatusNow: %v", err)
	}
	if !status.HasReleases || status.Total != 2 || status.Completed != 1 {
		t.Fatalf("status = %+v, want 2 total, 1 completed", status)
	}
}

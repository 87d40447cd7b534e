package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func downloadableRelease(status string, updatedAt time.Time) Release {
	return Release{
		Tag:         "v3.0.0",
		Name:        "v3.0.0",
		ApkName:     "app-v3.0.0.apk",
		ApkURL:      "https://releases.example.com/app-v3.0.0.apk",
		Status:      status,
		PublishedAt: time.Now().UTC(),
		UpdatedAt:   updatedAt,
	}
}

func TestTriggerDownloadRejectsInFlight(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{}
	a := newTestAPI(registry, queue, &fakeLister{})

	release := registry.add(downloadableRelease(StatusDownloading, time.Now().UTC()))

	_, err := a.TriggerDownload(context.Background(), release)
	if !errors.Is(err, ErrDownloadInProgress) {
		t.Fatalf("TriggerDownload error = %v, want ErrDownloadInProgress", err)
	}
	if got := len(queue.jobs()); got != 0 {
		t.Fatalf("published %d jobs for an in-flight release, want 0", got)
	}
}

func TestTriggerDownloadConcurrentSingleWinner(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{}
	a := newTestAPI(registry, queue, &fakeLister{})

	release := registry.add(downloadableRelease(StatusPending, time.Now().UTC()))

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.TriggerDownload(context.Background(), release)
		}(i)
	}
	wg.Wait()

	var won, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrDownloadInProgress):
			rejected++
		default:
			t.Fatalf("unexpected trigger error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d triggers won the claim, want exactly 1", won)
	}
	if rejected != attempts-1 {
		t.Fatalf("%d triggers rejected, want %d", rejected, attempts-1)
	}
	if got := len(queue.jobs()); got != 1 {
		t.Fatalf("published %d jobs, want exactly 1", got)
	}

	stored, err := registry.GetByID(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != StatusDownloading {
		t.Fatalf("release status = %q, want %q", stored.Status, StatusDownloading)
	}
}

func TestTriggerDownloadHandlerConflict(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{}
	a := newTestAPI(registry, queue, &fakeLister{})
	routes := serveRoutes(t, a)

	release := registry.add(downloadableRelease(StatusDownloading, time.Now().UTC()))

	req := httptest.NewRequest(http.MethodPost, "/v1/releases/"+release.ID.String()+"/download", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if body := rec.Body.String(); !strings.Contains(body, "in progress") {
		t.Fatalf("conflict body %q does not mention the in-progress state", body)
	}
	if got := len(queue.jobs()); got != 0 {
		t.Fatalf("published %d jobs on a conflicting trigger, want 0", got)
	}
}

func TestTriggerDownloadTakesOverStaleClaim(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{}
	a := newTestAPI(registry, queue, &fakeLister{})

	// Claimed long before the stale horizon (2x the fetch timeout), so the
	// previous worker is presumed dead and the trigger may take over.
	staleSince := time.Now().UTC().Add(-a.config.ClaimStaleAfter() - time.Minute)
	release := registry.add(downloadableRelease(StatusDownloading, staleSince))

	claimed, err := a.TriggerDownload(context.Background(), release)
	if err != nil {
		t.Fatalf("TriggerDownload on stale claim: %v", err)
	}
	if claimed.Status != StatusDownloading {
		t.Fatalf("claimed status = %q, want %q", claimed.Status, StatusDownloading)
	}
	if got := len(queue.jobs()); got != 1 {
		t.Fatalf("published %d jobs, want 1", got)
	}
}

func TestTriggerDownloadEnqueueFailureClearsHash(t *testing.T) {
	registry := newFakeRegistry()
	queue := &fakeQueue{publishErr: errors.New("nats unavailable")}
	a := newTestAPI(registry, queue, &fakeLister{})

	hash := "deadbeef"
	size := int64(41943040)
	release := downloadableRelease(StatusCompleted, time.Now().UTC())
	release.ApkHash = &hash
	release.ApkSize = &size
	release = registry.add(release)

	if _, err := a.TriggerDownload(context.Background(), release); err == nil {
		t.Fatal("TriggerDownload succeeded with a failing queue")
	}

	stored, err := registry.GetByID(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("release status = %q, want %q", stored.Status, StatusFailed)
	}
	if stored.Error == nil || !strings.Contains(*stored.Error, "enqueue download") {
		t.Fatalf("release error = %v, want enqueue failure message", stored.Error)
	}
	if stored.ApkHash != nil || stored.ApkSize != nil {
		t.Fatalf("failed release kept hash=%v size=%v, want both cleared", stored.ApkHash, stored.ApkSize)
	}
}

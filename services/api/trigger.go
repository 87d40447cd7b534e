package api

import (
	"context"
	"errors"
	"fmt"
)

const (
	// StreamName is the JetStream stream carrying download jobs.
	StreamName = "SIDELOAD"
	// DownloadSubject carries one message per scheduled artifact fetch.
	DownloadSubject = "sideload.apk.download"
)

// JobQueue publishes download jobs for the fetcher worker. *bus.Bus
// satisfies it.
type JobQueue interface {
	Publish(ctx context.Context, subject string, v any) error
}

// TriggerDownload claims the release for downloading and enqueues a fetch
// job. The registry claim is the concurrency gate: a release already being
// downloaded rejects the trigger with ErrDownloadInProgress. Re-triggering a
// completed release is allowed and treated as a fresh attempt (the source
// asset may have been re-uploaded under the same tag).
func (a *API) TriggerDownload(ctx context.Context, release Release) (Release, error) {
	claimed, err := a.registry.Claim(ctx, release.ID, a.config.ClaimStaleAfter())
	if err != nil {
		return Release{}, err
	}

	job := map[string]any{
		"release_id": claimed.ID,
		"tag":        claimed.Tag,
		"url":        claimed.ApkURL,
		"name":       claimed.ApkName,
	}
	if err := a.queue.Publish(ctx, DownloadSubject, job); err != nil {
		// The claim must not outlive a job that never made it onto the
		// queue, or the release would block retries until the claim goes
		// stale.
		msg := fmt.Sprintf("enqueue download: %v", err)
		status := StatusFailed
		if _, updateErr := a.registry.Update(ctx, claimed.ID, ReleaseUpdate{
			Status:    &status,
			Error:     &msg,
			ClearHash: true,
		}); updateErr != nil {
			a.logf("ERROR revert claim for %s: %v", claimed.Tag, updateErr)
		}
		return Release{}, fmt.Errorf("enqueue download for %s: %w", claimed.Tag, err)
	}

	a.logf("INFO scheduled download for %s (%s)", claimed.Tag, claimed.ApkURL)
	return claimed, nil
}

// IsConflict reports whether err is a duplicate-tag or in-progress rejection
// that should surface as an HTTP conflict rather than a server error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateTag) || errors.Is(err, ErrDownloadInProgress)
}

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"sideloadd/pkg/bus"
	"sideloadd/pkg/cas"
)

// Durable consumer name. Restarting fetcherd resumes the same JetStream
// consumer, so jobs enqueued while the worker was down are delivered on
// startup.
const consumerName = "fetcherd"

// DownloadJob is the message published by the API when a release is claimed
// for downloading.
type DownloadJob struct {
	ReleaseID uuid.UUID `json:"release_id"`
	Tag       string    `json:"tag"`
	URL       string    `json:"url"`
	Name      string    `json:"name"`
}

// Worker consumes download jobs, fetches the artifact, stores it in the blob
// store, and records the outcome on the release row.
type Worker struct {
	fetcher  *Fetcher
	blobs    cas.Store
	statuses StatusStore
	logger   *log.Logger
}

// NewWorker wires the worker's collaborators.
func NewWorker(fetcher *Fetcher, blobs cas.Store, statuses StatusStore, logger *log.Logger) *Worker {
	return &Worker{fetcher: fetcher, blobs: blobs, statuses: statuses, logger: logger}
}

// Run subscribes to the download subject and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, b *bus.Bus, subject string) error {
	sub, err := b.Subscribe(ctx, subject, consumerName, w.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Close()

	w.logf("INFO fetcher consuming %s as %s", subject, consumerName)
	<-ctx.Done()
	return nil
}

// Handle processes one job. A returned error naks the message for JetStream
// redelivery; that is reserved for transient faults (the status store being
// unreachable). Download failures are terminal for the attempt: the release is
// marked failed and the message acked, since retrying the same dead URL in a
// tight loop helps nobody.
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	var job DownloadJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.logf("ERROR dropping malformed job: %v", err)
		return nil
	}
	if job.ReleaseID == uuid.Nil || job.URL == "" {
		w.logf("ERROR dropping incomplete job for tag %q", job.Tag)
		return nil
	}

	downloadsStarted.Inc()
	w.logf("INFO downloading %s from %s", job.Tag, job.URL)

	obj, err := w.download(ctx, job)
	if err != nil {
		downloadsFailed.Inc()
		w.logf("WARN download %s failed: %v", job.Tag, err)
		if markErr := w.statuses.MarkFailed(ctx, job.ReleaseID, err.Error()); markErr != nil {
			return fmt.Errorf("record failure for %s: %w", job.Tag, markErr)
		}
		return nil
	}

	if err := w.statuses.MarkCompleted(ctx, job.ReleaseID, obj.Digest, obj.Size); err != nil {
		// The blob is stored; a redelivery will dedupe on the digest and only
		// retry this update.
		return fmt.Errorf("record completion for %s: %w", job.Tag, err)
	}

	downloadsCompleted.Inc()
	downloadBytes.Add(float64(obj.Size))
	w.logf("INFO stored %s as sha256:%s (%d bytes)", job.Tag, obj.Digest, obj.Size)
	return nil
}

// download fetches and stores the artifact. The recover guard turns a panic
// anywhere in the fetch or store path into a failed release instead of a
// crashed worker.
func (w *Worker) download(ctx context.Context, job DownloadJob) (obj cas.Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("download panicked: %v", r)
		}
	}()

	data, err := w.fetcher.Fetch(ctx, job.URL)
	if err != nil {
		return cas.Object{}, err
	}

	obj, err = w.blobs.Put(ctx, data, cas.PutMeta{Name: job.Name, Origin: job.URL})
	if err != nil {
		return cas.Object{}, fmt.Errorf("store artifact: %w", err)
	}
	return obj, nil
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

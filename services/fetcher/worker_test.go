package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sideloadd/pkg/cas"
)

type recordedOutcome struct {
	id     uuid.UUID
	hash   string
	size   int64
	reason string
}

type fakeStatusStore struct {
	mu        sync.Mutex
	completed []recordedOutcome
	failed    []recordedOutcome

	completeErr error
}

func (f *fakeStatusStore) MarkCompleted(ctx context.Context, id uuid.UUID, hash string, size int64) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, recordedOutcome{id: id, hash: hash, size: size})
	return nil
}

func (f *fakeStatusStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, recordedOutcome{id: id, reason: reason})
	return nil
}

// panicStore blows up on Put to exercise the worker's recover path.
type panicStore struct{}

func (panicStore) Put(ctx context.Context, data []byte, meta cas.PutMeta) (cas.Object, error) {
	panic("store exploded")
}
func (panicStore) Open(ctx context.Context, digest string) (io.ReadCloser, cas.Object, error) {
	return nil, cas.Object{}, cas.ErrNotFound
}
func (panicStore) Stat(ctx context.Context, digest string) (cas.Object, error) {
	return cas.Object{}, cas.ErrNotFound
}
func (panicStore) Verify(ctx context.Context, digest string) (bool, error) { return false, nil }
func (panicStore) Delete(ctx context.Context, digest string) error         { return nil }
func (panicStore) List(ctx context.Context) ([]cas.Object, error)          { return nil, nil }

func testJob(t *testing.T, url string) (DownloadJob, []byte) {
	t.Helper()
	job := DownloadJob{
		ReleaseID: uuid.New(),
		Tag:       "v1.0.0",
		URL:       url,
		Name:      "headset-v1.0.0.apk",
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return job, data
}

func newDiskStore(t *testing.T) *cas.DiskStore {
	t.Helper()
	store, err := cas.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return store
}

func TestWorkerHandleStoresAndCompletes(t *testing.T) {
	payload := []byte("pretend this is an apk")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	store := newDiskStore(t)
	statuses := &fakeStatusStore{}
	worker := NewWorker(New(1<<20, 5*time.Second), store, statuses, nil)

	job, data := testJob(t, server.URL)
	if err := worker.Handle(context.Background(), data); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(statuses.completed) != 1 {
		t.Fatalf("completed %d times, want 1", len(statuses.completed))
	}
	outcome := statuses.completed[0]
	if outcome.id != job.ReleaseID {
		t.Fatalf("completed id = %s, want %s", outcome.id, job.ReleaseID)
	}
	wantDigest := cas.DigestBytes(payload)
	if outcome.hash != wantDigest {
		t.Fatalf("hash = %s, want %s", outcome.hash, wantDigest)
	}
	if outcome.size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", outcome.size, len(payload))
	}

	if ok, err := store.Verify(context.Background(), wantDigest); err != nil || !ok {
		t.Fatalf("stored blob failed verification: ok=%v err=%v", ok, err)
	}
}

func TestWorkerHandleMarksFailedOnFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	statuses := &fakeStatusStore{}
	worker := NewWorker(New(1<<20, 5*time.Second), newDiskStore(t), statuses, nil)

	job, data := testJob(t, server.URL)
	if err := worker.Handle(context.Background(), data); err != nil {
		t.Fatalf("fetch failure should ack, got: %v", err)
	}

	if len(statuses.failed) != 1 {
		t.Fatalf("failed %d times, want 1", len(statuses.failed))
	}
	if statuses.failed[0].id != job.ReleaseID {
		t.Fatalf("failed id = %s, want %s", statuses.failed[0].id, job.ReleaseID)
	}
	if statuses.failed[0].reason == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestWorkerHandleDropsMalformedJob(t *testing.T) {
	statuses := &fakeStatusStore{}
	worker := NewWorker(New(1<<20, time.Second), newDiskStore(t), statuses, nil)

	if err := worker.Handle(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("malformed job should be dropped, got: %v", err)
	}
	if err := worker.Handle(context.Background(), []byte(`{"tag":"v1.0.0"}`)); err != nil {
		t.Fatalf("incomplete job should be dropped, got: %v", err)
	}
	if len(statuses.completed)+len(statuses.failed) != 0 {
		t.Fatal("dropped jobs should not touch release status")
	}
}

func TestWorkerHandleNaksWhenStatusUpdateFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	statuses := &fakeStatusStore{completeErr: errors.New("database unavailable")}
	worker := NewWorker(New(1<<20, 5*time.Second), newDiskStore(t), statuses, nil)

	_, data := testJob(t, server.URL)
	if err := worker.Handle(context.Background(), data); err == nil {
		t.Fatal("status store failure should return an error for redelivery")
	}
}

func TestWorkerHandleRecoversFromPanic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	statuses := &fakeStatusStore{}
	worker := NewWorker(New(1<<20, 5*time.Second), panicStore{}, statuses, nil)

	job, data := testJob(t, server.URL)
	if err := worker.Handle(context.Background(), data); err != nil {
		t.Fatalf("panic should resolve to a failed release, got: %v", err)
	}

	if len(statuses.failed) != 1 {
		t.Fatalf("failed %d times, want 1", len(statuses.failed))
	}
	if statuses.failed[0].id != job.ReleaseID {
		t.Fatalf("failed id = %s", statuses.failed[0].id)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sideloadd/pkg/cas"
)

func newArtifactAPI(t *testing.T, registry Registry) *API {
	t.Helper()
	store, err := cas.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	a := newTestAPI(registry, &fakeQueue{}, &fakeLister{})
	a.blobs = store
	return a
}

func serveRoutes(t *testing.T, a *API) http.Handler {
	t.Helper()
	routes, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	return routes
}

func TestPutArtifactRoundTrip(t *testing.T) {
	registry := newFakeRegistry()
	a := newArtifactAPI(t, registry)
	routes := serveRoutes(t, a)

	payload := []byte("imported apk bytes")
	digest := cas.DigestBytes(payload)

	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/"+digest+"?name=headset.apk", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/artifacts/"+digest, nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != apkContentType {
		t.Fatalf("content type = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if !bytes.Equal(body, payload) {
		t.Fatal("served bytes differ from imported bytes")
	}
}

func TestPutArtifactRejectsDigestMismatch(t *testing.T) {
	a := newArtifactAPI(t, newFakeRegistry())
	routes := serveRoutes(t, a)

	wrongDigest := cas.DigestBytes([]byte("other content"))
	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/"+wrongDigest, strings.NewReader("actual content"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestPutArtifactRejectsInvalidDigest(t *testing.T) {
	a := newArtifactAPI(t, newFakeRegistry())
	routes := serveRoutes(t, a)

	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/not-a-digest", strings.NewReader("content"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPutArtifactEnforcesSizeLimit(t *testing.T) {
	a := newArtifactAPI(t, newFakeRegistry())
	a.config.MaxApkBytes = 8
	routes := serveRoutes(t, a)

	payload := []byte("way past the eight byte limit")
	digest := cas.DigestBytes(payload)
	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/"+digest, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestPutArtifactCompletesRelease(t *testing.T) {
	registry := newFakeRegistry()
	release := registry.add(Release{Tag: "v1.0.0", Status: StatusPending})
	a := newArtifactAPI(t, registry)
	routes := serveRoutes(t, a)

	payload := []byte("bundle imported apk")
	digest := cas.DigestBytes(payload)
	req := httptest.NewRequest(http.MethodPut,
		"/v1/artifacts/"+digest+"?release_id="+release.ID.String(), bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	updated, err := registry.GetByID(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", updated.Status)
	}
	if updated.ApkHash == nil || *updated.ApkHash != digest {
		t.Fatal("release hash not recorded")
	}
	if updated.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestGetArtifactUnknownDigest(t *testing.T) {
	a := newArtifactAPI(t, newFakeRegistry())
	routes := serveRoutes(t, a)

	digest := cas.DigestBytes([]byte("never stored"))
	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/"+digest, nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteReleaseRemovesUnreferencedBlob(t *testing.T) {
	registry := newFakeRegistry()
	a := newArtifactAPI(t, registry)
	routes := serveRoutes(t, a)

	payload := []byte("cached apk")
	obj, err := a.blobs.Put(context.Background(), payload, cas.PutMeta{Name: "headset.apk"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	release := registry.add(Release{Tag: "v1.0.0", Status: StatusCompleted, ApkHash: &obj.Digest})

	req := httptest.NewRequest(http.MethodDelete, "/v1/releases/"+release.ID.String(), nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var response struct {
		Deleted     bool `json:"deleted"`
		BlobRemoved bool `json:"blob_removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if !response.Deleted || !response.BlobRemoved {
		t.Fatalf("response = %+v, want blob removed", response)
	}
	if _, err := a.blobs.Stat(context.Background(), obj.Digest); err == nil {
		t.Fatal("blob still present after delete")
	}
}

func TestDeleteReleaseKeepsSharedBlob(t *testing.T) {
	registry := newFakeRegistry()
	a := newArtifactAPI(t, registry)
	routes := serveRoutes(t, a)

	payload := []byte("shared apk bytes")
	obj, err := a.blobs.Put(context.Background(), payload, cas.PutMeta{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	first := registry.add(Release{Tag: "v1.0.0", Status: StatusCompleted, ApkHash: &obj.Digest})
	registry.add(Release{Tag: "v1.0.1", Status: StatusCompleted, ApkHash: &obj.Digest})

	req := httptest.NewRequest(http.MethodDelete, "/v1/releases/"+first.ID.String(), nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := a.blobs.Stat(context.Background(), obj.Digest); err != nil {
		t.Fatalf("shared blob was removed: %v", err)
	}
}

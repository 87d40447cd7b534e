package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sideloadd/pkg/cas"
)

const apkContentType = "application/vnd.android.package-archive"

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	objects, err := a.blobs.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": objects})
}

// handleGetArtifact serves blob bytes by digest. When the store backend can
// presign, the client is redirected straight to object storage instead of
// streaming hundreds of megabytes through this process.
func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	if !cas.ValidDigest(digest) {
		respondError(w, http.StatusBadRequest, errors.New("invalid digest"))
		return
	}

	if presigner, ok := a.blobs.(cas.Presigner); ok && a.config.PresignTTL > 0 {
		if _, err := a.blobs.Stat(r.Context(), digest); err != nil {
			if errors.Is(err, cas.ErrNotFound) {
				respondError(w, http.StatusNotFound, err)
				return
			}
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		url, err := presigner.PresignGet(r.Context(), digest, a.config.PresignTTL)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	rc, obj, err := a.blobs.Open(r.Context(), digest)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()

	name := obj.Name
	if name == "" {
		name = digest + ".apk"
	}
	w.Header().Set("Content-Type", apkContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", obj.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Content-Digest", "sha256:"+obj.Digest)
	if _, err := io.Copy(w, rc); err != nil {
		a.logf("WARN artifact %s: stream aborted: %v", digest, err)
	}
}

// handlePutArtifact imports pre-fetched blob bytes, e.g. from an offline
// bundle. The body must hash to the digest in the path. An optional
// release_id query parameter marks that release completed against the blob.
func (a *API) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	if !cas.ValidDigest(digest) {
		respondError(w, http.StatusBadRequest, errors.New("invalid digest"))
		return
	}
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	if r.ContentLength > a.config.MaxApkBytes {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("artifact exceeds %d byte limit", a.config.MaxApkBytes))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, a.config.MaxApkBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(data)) > a.config.MaxApkBytes {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("artifact exceeds %d byte limit", a.config.MaxApkBytes))
		return
	}

	if actual := cas.DigestBytes(data); actual != digest {
		respondError(w, http.StatusUnprocessableEntity,
			fmt.Errorf("body hashes to %s, not %s", actual, digest))
		return
	}

	meta := cas.PutMeta{
		Name:   r.URL.Query().Get("name"),
		Origin: "import",
	}
	obj, err := a.blobs.Put(r.Context(), data, meta)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var release *Release
	if raw := r.URL.Query().Get("release_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("invalid release_id"))
			return
		}
		updated, err := a.markImported(r.Context(), id, obj)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				respondError(w, http.StatusNotFound, err)
				return
			}
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		release = &updated
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"artifact": obj,
		"release":  release,
	})
}

func (a *API) markImported(ctx context.Context, id uuid.UUID, obj cas.Object) (Release, error) {
	status := StatusCompleted
	size := obj.Size
	hash := obj.Digest
	now := time.Now().UTC()
	return a.registry.Update(ctx, id, ReleaseUpdate{
		Status:      &status,
		ApkHash:     &hash,
		ApkSize:     &size,
		CompletedAt: &now,
		ClearError:  true,
	})
}

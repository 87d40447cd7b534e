package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sideloadd/pkg/cas"
)

func (a *API) handleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := a.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (a *API) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid release id"))
		return
	}

	release, err := a.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"release": release})
}

// handleLatestRelease returns the newest completed release; this is what a
// headset asks for when it wants "the current build".
func (a *API) handleLatestRelease(w http.ResponseWriter, r *http.Request) {
	release, err := a.registry.LatestCompleted(r.Context())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("no completed release available"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"release": release})
}

func (a *API) handleRegisterRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag         string    `json:"tag"`
		Name        string    `json:"name"`
		ApkName     string    `json:"apk_name"`
		ApkURL      string    `json:"apk_url"`
		PublishedAt time.Time `json:"published_at"`
		Download    bool      `json:"download"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Tag = strings.TrimSpace(req.Tag)
	if req.Tag == "" {
		respondError(w, http.StatusBadRequest, errors.New("tag is required"))
		return
	}
	if req.ApkName == "" {
		respondError(w, http.StatusBadRequest, errors.New("apk_name is required"))
		return
	}
	if req.Download && req.ApkURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("apk_url is required to download"))
		return
	}
	if req.Name == "" {
		req.Name = req.Tag
	}
	if req.PublishedAt.IsZero() {
		req.PublishedAt = time.Now().UTC()
	}

	exists, err := a.registry.Exists(r.Context(), req.Tag)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if exists {
		respondError(w, http.StatusConflict, fmt.Errorf("release %s already exists", req.Tag))
		return
	}

	release, err := a.registry.Create(r.Context(), Release{
		Tag:         req.Tag,
		Name:        req.Name,
		ApkName:     req.ApkName,
		ApkURL:      req.ApkURL,
		Status:      StatusPending,
		Source:      SourceManual,
		PublishedAt: req.PublishedAt,
	})
	if err != nil {
		if IsConflict(err) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if req.Download {
		if release, err = a.TriggerDownload(r.Context(), release); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{"release": release})
}

func (a *API) handleTriggerDownload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid release id"))
		return
	}

	release, err := a.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if release.ApkURL == "" {
		respondError(w, http.StatusUnprocessableEntity, errors.New("release has no origin url"))
		return
	}

	claimed, err := a.TriggerDownload(r.Context(), release)
	if err != nil {
		if IsConflict(err) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"release": claimed})
}

// handleDeleteRelease removes the record and, when no other release
// references the same content hash, the cached blob as well.
func (a *API) handleDeleteRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid release id"))
		return
	}

	release, err := a.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	removed, err := a.registry.Delete(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, ErrNotFound)
		return
	}

	blobRemoved := false
	if release.ApkHash != nil {
		refs, err := a.registry.CountByHash(r.Context(), *release.ApkHash)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		if refs == 0 {
			if err := a.blobs.Delete(r.Context(), *release.ApkHash); err != nil && !errors.Is(err, cas.ErrNotFound) {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			blobRemoved = true
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "blob_removed": blobRemoved})
}

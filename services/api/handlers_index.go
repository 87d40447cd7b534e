package api

import (
	"errors"
	"net/http"
	"sort"
)

// handleIndex serves the operator status page: every tracked release and
// where its download stands.
func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	if a.pages == nil {
		respondError(w, http.StatusNotFound, errors.New("status page disabled"))
		return
	}

	releases, err := a.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	sort.Slice(releases, func(i, j int) bool {
		return releases[i].PublishedAt.After(releases[j].PublishedAt)
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Repo     string
		Releases []Release
	}{Repo: a.config.Repo, Releases: releases}

	if err := a.pages.Render(w, "releases.tmpl", data); err != nil {
		a.logf("ERROR render status page: %v", err)
	}
}

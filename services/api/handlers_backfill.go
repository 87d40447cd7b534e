package api

import (
	"net/http"
)

func (a *API) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.BackfillStatusNow(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (a *API) handleRunBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := a.Backfill(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

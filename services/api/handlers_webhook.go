package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Webhook payloads are small JSON documents; anything bigger is suspect.
const maxWebhookBody = 1 << 20

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	// The MAC covers the exact raw bytes, so read before decoding.
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) > maxWebhookBody {
		respondError(w, http.StatusRequestEntityTooLarge, errors.New("webhook payload too large"))
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(payload, signature, a.config.WebhookSecret) {
		a.logf("WARN webhook rejected: bad signature from %s", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, errors.New("invalid webhook signature"))
		return
	}

	var delivery WebhookDelivery
	if err := json.Unmarshal(payload, &delivery); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.ProcessReleaseWebhook(r.Context(), delivery)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

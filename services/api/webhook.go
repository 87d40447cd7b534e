package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WebhookDelivery is the decoded GitHub release webhook payload. Deliveries
// are ephemeral: they are validated and acted on, never persisted.
type WebhookDelivery struct {
	Action  string        `json:"action"`
	Release GitHubRelease `json:"release"`
	Repo    struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// WebhookResult is the acknowledgement returned to the webhook sender.
type WebhookResult struct {
	Accepted  bool       `json:"accepted"`
	Message   string     `json:"message"`
	ReleaseID *uuid.UUID `json:"release_id,omitempty"`
}

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the raw
// payload bytes. The comparison is constant time; anything not shaped like
// "sha256=<hex>" is rejected outright.
func VerifySignature(payload []byte, signatureHeader, secret string) bool {
	const prefix = "sha256="
	if secret == "" || !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}

// ProcessReleaseWebhook registers the release described by an
// already-verified delivery and schedules its download. Webhooks may be
// delivered more than once, so every non-processable case acknowledges
// rather than errors.
func (a *API) ProcessReleaseWebhook(ctx context.Context, delivery WebhookDelivery) (WebhookResult, error) {
	switch delivery.Action {
	case "published", "released":
	default:
		return WebhookResult{Message: fmt.Sprintf("ignoring action %q", delivery.Action)}, nil
	}

	if delivery.Repo.FullName != a.config.Repo {
		return WebhookResult{
			Message: fmt.Sprintf("ignoring repository %q, expected %q", delivery.Repo.FullName, a.config.Repo),
		}, nil
	}

	tag := strings.TrimSpace(delivery.Release.TagName)
	if tag == "" {
		return WebhookResult{Message: "delivery has no tag_name"}, nil
	}

	exists, err := a.registry.Exists(ctx, tag)
	if err != nil {
		return WebhookResult{}, err
	}
	if exists {
		return WebhookResult{Accepted: true, Message: fmt.Sprintf("release %s already tracked", tag)}, nil
	}

	asset, ok := findApkAsset(delivery.Release.Assets, a.config.ApkSuffix)
	if !ok {
		return WebhookResult{
			Message: fmt.Sprintf("release %s has no %s asset", tag, a.config.ApkSuffix),
		}, nil
	}

	release, err := a.registry.Create(ctx, Release{
		Tag:         tag,
		Name:        delivery.Release.Name,
		ApkName:     asset.Name,
		ApkURL:      asset.BrowserDownloadURL,
		Status:      StatusPending,
		Source:      SourceWebhook,
		Meta:        map[string]any{"asset_size": asset.Size},
		PublishedAt: delivery.Release.PublishedAt,
	})
	if err != nil {
		return WebhookResult{}, err
	}

	// The webhook responder must return promptly; the download itself runs
	// on the fetcher worker once the job lands on the queue.
	if _, err := a.TriggerDownload(ctx, release); err != nil {
		a.logf("ERROR schedule download for %s: %v", release.Tag, err)
		return WebhookResult{
			Accepted:  true,
			Message:   fmt.Sprintf("release %s registered, download scheduling failed: %v", tag, err),
			ReleaseID: &release.ID,
		}, nil
	}

	return WebhookResult{
		Accepted:  true,
		Message:   fmt.Sprintf("release %s registered, download scheduled", tag),
		ReleaseID: &release.ID,
	}, nil
}

func findApkAsset(assets []GitHubAsset, suffix string) (GitHubAsset, bool) {
	for _, asset := range assets {
		if strings.HasSuffix(strings.ToLower(asset.Name), suffix) {
			return asset, true
		}
	}
	return GitHubAsset{}, false
}

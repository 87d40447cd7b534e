package api

import (
	"context"
	"fmt"
	"strings"
)

// BackfillRequest bounds one reconciliation run against the releases API.
type BackfillRequest struct {
	MaxReleases  int  `json:"max_releases"`
	AutoDownload bool `json:"auto_download"`
}

// BackfillOutcome records what happened to a single upstream release.
type BackfillOutcome struct {
	Tag    string `json:"tag"`
	Action string `json:"action"` // added, skipped, failed
	Reason string `json:"reason,omitempty"`
}

// BackfillResult aggregates one run. Individual release failures do not fail
// the run; only a failed upstream listing does.
type BackfillResult struct {
	Added    int               `json:"added"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Outcomes []BackfillOutcome `json:"outcomes"`
}

// BackfillStatus answers "has this deployment ever seen a release".
type BackfillStatus struct {
	HasReleases bool `json:"has_releases"`
	Total       int  `json:"total"`
	Completed   int  `json:"completed"`
}

// Backfill reconciles the registry against the repository's historical
// releases. Releases already registered are skipped, releases without an apk
// asset are skipped with a reason, and new ones are registered with poll
// provenance. With AutoDownload set, each newly registered release chains
// into the same trigger path the webhook uses.
func (a *API) Backfill(ctx context.Context, req BackfillRequest) (BackfillResult, error) {
	max := req.MaxReleases
	if max < 1 {
		max = 1
	}
	if max > 100 {
		max = 100
	}

	upstream, err := a.releases.ListReleases(ctx, max)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("backfill: list upstream releases: %w", err)
	}

	var result BackfillResult
	for _, release := range upstream {
		outcome := a.backfillOne(ctx, release, req.AutoDownload)
		switch outcome.Action {
		case "added":
			result.Added++
		case "skipped":
			result.Skipped++
		default:
			result.Failed++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	a.logf("INFO backfill: %d added, %d skipped, %d failed", result.Added, result.Skipped, result.Failed)
	return result, nil
}

func (a *API) backfillOne(ctx context.Context, release GitHubRelease, autoDownload bool) BackfillOutcome {
	tag := strings.TrimSpace(release.TagName)
	if tag == "" {
		return BackfillOutcome{Action: "skipped", Reason: "no tag"}
	}

	exists, err := a.registry.Exists(ctx, tag)
	if err != nil {
		return BackfillOutcome{Tag: tag, Action: "failed", Reason: err.Error()}
	}
	if exists {
		return BackfillOutcome{Tag: tag, Action: "skipped", Reason: "already exists"}
	}

	asset, ok := findApkAsset(release.Assets, a.config.ApkSuffix)
	if !ok {
		return BackfillOutcome{Tag: tag, Action: "skipped", Reason: "no apk asset"}
	}

	created, err := a.registry.Create(ctx, Release{
		Tag:         tag,
		Name:        release.Name,
		ApkName:     asset.Name,
		ApkURL:      asset.BrowserDownloadURL,
		Status:      StatusPending,
		Source:      SourcePoll,
		Meta:        map[string]any{"asset_size": asset.Size},
		PublishedAt: release.PublishedAt,
	})
	if err != nil {
		return BackfillOutcome{Tag: tag, Action: "failed", Reason: err.Error()}
	}

	if autoDownload {
		if _, err := a.TriggerDownload(ctx, created); err != nil {
			return BackfillOutcome{Tag: tag, Action: "failed", Reason: fmt.Sprintf("registered, download trigger failed: %v", err)}
		}
	}
	return BackfillOutcome{Tag: tag, Action: "added"}
}

// BackfillStatusNow reports registry totals for the status endpoint.
func (a *API) BackfillStatusNow(ctx context.Context) (BackfillStatus, error) {
	stats, err := a.registry.Stats(ctx)
	if err != nil {
		return BackfillStatus{}, err
	}
	return BackfillStatus{
		HasReleases: stats.Total > 0,
		Total:       stats.Total,
		Completed:   stats.Completed,
	}, nil
}

package api

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultApkSuffix    = ".apk"
	defaultFetchTimeout = 120 * time.Second
	defaultPresignTTL   = 15 * time.Minute
	defaultMaxApkBytes  = 500 << 20
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// Repo is the owner/name whose releases this deployment tracks. Webhook
	// deliveries for any other repository are acknowledged and ignored.
	Repo          string
	WebhookSecret string
	// ApkSuffix selects the release asset to cache (lowercased comparison).
	ApkSuffix string
	// FetchTimeout mirrors the fetcher's wall-clock budget; the registry
	// treats a downloading claim older than twice this as abandoned.
	FetchTimeout  time.Duration
	GitHubToken   string
	GitHubAPIBase string
	// PresignTTL bounds presigned artifact URLs when the S3 store backend
	// is active.
	PresignTTL time.Duration
	// MaxApkBytes caps artifact payloads accepted over the import endpoint.
	// The fetcher enforces the same ceiling on downloads.
	MaxApkBytes int64
}

// ClaimStaleAfter is the age at which a downloading claim may be taken over.
func (c Config) ClaimStaleAfter() time.Duration {
	timeout := c.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return 2 * timeout
}

// ConfigFromEnv loads the API configuration from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Repo:          strings.TrimSpace(os.Getenv("SIDELOAD_REPO")),
		WebhookSecret: os.Getenv("SIDELOAD_WEBHOOK_SECRET"),
		ApkSuffix:     strings.ToLower(getEnv("SIDELOAD_APK_SUFFIX", defaultApkSuffix)),
		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		GitHubAPIBase: strings.TrimSpace(os.Getenv("GITHUB_API_BASE")),
	}

	if cfg.Repo == "" {
		return Config{}, fmt.Errorf("SIDELOAD_REPO is required")
	}
	if parts := strings.Split(cfg.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid SIDELOAD_REPO %q, expected owner/name", cfg.Repo)
	}
	if cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("SIDELOAD_WEBHOOK_SECRET is required")
	}
	if !strings.HasPrefix(cfg.ApkSuffix, ".") {
		cfg.ApkSuffix = "." + cfg.ApkSuffix
	}

	timeout, err := getEnvSeconds("SIDELOAD_FETCH_TIMEOUT", defaultFetchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FetchTimeout = timeout

	ttl, err := getEnvSeconds("SIDELOAD_PRESIGN_TTL", defaultPresignTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PresignTTL = ttl

	maxBytes, err := getEnvInt64("SIDELOAD_MAX_APK_BYTES", defaultMaxApkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxApkBytes = maxBytes

	return cfg, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

package bundler

import (
	"io"
	"net/http"
	"time"
)

// BuildConfig configures bundle creation from a live sideloadd deployment.
type BuildConfig struct {
	// APIBaseURL is the connected-side API the releases and blobs are
	// exported from.
	APIBaseURL string
	// Tags restricts the bundle to the named releases. Empty means every
	// completed release.
	Tags       []string
	Output     string
	Signer     *Signer
	HTTPClient *http.Client
	Now        func() time.Time
	Stdout     io.Writer
}

// ImportConfig configures importing a bundle into an air-gapped deployment.
type ImportConfig struct {
	BundlePath string
	APIBaseURL string
	HTTPClient *http.Client
	Signer     *Signer
	Stdout     io.Writer
}

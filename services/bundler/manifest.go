package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata included in an APK bundle. It carries
// enough release detail for an air-gapped deployment to reconstruct registry
// rows without reaching GitHub.
type Manifest struct {
	Version          string            `yaml:"version"`
	CreatedAt        time.Time         `yaml:"created_at"`
	Repo             string            `yaml:"repo,omitempty"`
	Signer           string            `yaml:"signer,omitempty"`
	SigningPublicKey string            `yaml:"signing_public_key,omitempty"`
	Signature        string            `yaml:"signature,omitempty"`
	Releases         []ManifestRelease `yaml:"releases"`
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestRelease describes one bundled release and its artifact.
type ManifestRelease struct {
	Tag         string    `yaml:"tag"`
	Name        string    `yaml:"name,omitempty"`
	ApkName     string    `yaml:"apk_name"`
	Path        string    `yaml:"path"`
	Size        int64     `yaml:"size"`
	SHA256      string    `yaml:"sha256"`
	PublishedAt time.Time `yaml:"published_at,omitempty"`
}

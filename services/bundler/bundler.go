// Package bundler builds and imports signed APK bundles. A bundle is a
// tar.zst archive of completed release artifacts plus a signed manifest,
// built against a connected sideloadd deployment and imported into an
// air-gapped one.
package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	apksTarPrefix    = "apks"
)

// apiRelease mirrors the release document served by the sideloadd API.
type apiRelease struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	ApkName     string    `json:"apk_name"`
	ApkHash     *string   `json:"apk_hash"`
	ApkSize     *int64    `json:"apk_size"`
	Status      string    `json:"status"`
	PublishedAt time.Time `json:"published_at"`
}

// Build exports completed releases from the API into a signed bundle at
// cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	client := newAPIClient(cfg.APIBaseURL, cfg.HTTPClient)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	releases, err := client.listReleases(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := selectReleases(releases, cfg.Tags)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, errors.New("no completed releases to bundle")
	}

	tempDir, err := os.MkdirTemp("", "sideload-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var entries []ManifestRelease
	for _, release := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := exportArtifact(ctx, client, release, tempDir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		fmt.Fprintf(cfg.Stdout, "bundled %s (%d bytes)\n", entry.Tag, entry.Size)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Tag < entries[j].Tag
	})

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Releases:         entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, tempDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d releases)\n", cfg.Output, len(entries))
	return manifest, nil
}

// selectReleases keeps completed releases with a stored artifact, optionally
// restricted to an explicit tag list. Asking for a tag that is not completed
// is an error rather than a silent omission.
func selectReleases(releases []apiRelease, tags []string) ([]apiRelease, error) {
	byTag := map[string]apiRelease{}
	var completed []apiRelease
	for _, release := range releases {
		if release.Status != "completed" || release.ApkHash == nil {
			continue
		}
		byTag[release.Tag] = release
		completed = append(completed, release)
	}

	if len(tags) == 0 {
		return completed, nil
	}

	var selected []apiRelease
	for _, tag := range tags {
		release, ok := byTag[strings.TrimSpace(tag)]
		if !ok {
			return nil, fmt.Errorf("release %q has no completed artifact", tag)
		}
		selected = append(selected, release)
	}
	return selected, nil
}

// exportArtifact downloads one blob into tempDir and verifies it against the
// registry's recorded digest before it is admitted to the bundle.
func exportArtifact(ctx context.Context, client *apiClient, release apiRelease, tempDir string) (ManifestRelease, error) {
	relPath := filepath.ToSlash(filepath.Join(release.Tag, release.ApkName))
	target := filepath.Join(tempDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ManifestRelease{}, fmt.Errorf("mkdir for %s: %w", release.Tag, err)
	}

	size, err := client.downloadArtifact(ctx, *release.ApkHash, target)
	if err != nil {
		return ManifestRelease{}, fmt.Errorf("download %s: %w", release.Tag, err)
	}

	entry := ManifestRelease{
		Tag:         release.Tag,
		Name:        release.Name,
		ApkName:     release.ApkName,
		Path:        relPath,
		Size:        size,
		SHA256:      *release.ApkHash,
		PublishedAt: release.PublishedAt,
	}
	if err := validateArtifact(target, entry); err != nil {
		return ManifestRelease{}, err
	}
	return entry, nil
}

func writeBundle(output string, manifest []byte, apksDir string, entries []ManifestRelease) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		fullPath := filepath.Join(apksDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(apksTarPrefix, entry.Path)),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			file.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, file); err != nil {
			file.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		file.Close()
	}

	return nil
}

// Import verifies a bundle and loads its releases and artifacts into the
// target API. Already-registered tags are updated in place rather than
// duplicated.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	client := newAPIClient(cfg.APIBaseURL, cfg.HTTPClient)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempDir, manifestBytes, files, err := extractBundle(ctx, cfg.BundlePath)
	if tempDir != "" {
		defer os.RemoveAll(tempDir)
	}
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	for _, release := range manifest.Releases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		relative := filepath.ToSlash(filepath.Clean(release.Path))
		tarPath := filepath.ToSlash(filepath.Join(apksTarPrefix, relative))
		tempPath, ok := files[tarPath]
		if !ok {
			return nil, fmt.Errorf("artifact for %q missing from archive", release.Tag)
		}

		if err := validateArtifact(tempPath, release); err != nil {
			return nil, err
		}

		releaseID, err := client.ensureRelease(ctx, release)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", release.Tag, err)
		}
		if err := client.uploadArtifact(ctx, release, releaseID, tempPath); err != nil {
			return nil, fmt.Errorf("upload %s: %w", release.Tag, err)
		}

		fmt.Fprintf(cfg.Stdout, "imported %s (%d bytes)\n", release.Tag, release.Size)
	}

	return &manifest, nil
}

// extractBundle unpacks the archive to a temp dir and returns the manifest
// bytes plus a map from tar entry name to extracted path.
func extractBundle(ctx context.Context, bundlePath string) (string, []byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return "", nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return "", nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	tempDir, err := os.MkdirTemp("", "sideload-bundle-*")
	if err != nil {
		return "", nil, nil, fmt.Errorf("temp dir: %w", err)
	}

	var manifestBytes []byte
	files := map[string]string{}

	for {
		if err := ctx.Err(); err != nil {
			return tempDir, nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tempDir, nil, nil, fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(header.Name)
		if header.Typeflag == tar.TypeDir {
			target := filepath.Join(tempDir, name)
			if !strings.HasPrefix(target, tempDir) {
				return tempDir, nil, nil, fmt.Errorf("invalid directory entry %q", name)
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return tempDir, nil, nil, fmt.Errorf("mkdir %q: %w", name, err)
			}
			continue
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return tempDir, nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		targetPath := filepath.Join(tempDir, name)
		if !strings.HasPrefix(targetPath, tempDir) {
			return tempDir, nil, nil, fmt.Errorf("invalid entry path %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return tempDir, nil, nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(targetPath), err)
		}
		file, err := os.Create(targetPath)
		if err != nil {
			return tempDir, nil, nil, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return tempDir, nil, nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()

		files[filepath.ToSlash(name)] = targetPath
	}

	return tempDir, manifestBytes, files, nil
}

func validateArtifact(path string, release ManifestRelease) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", release.Path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", release.Path, err)
	}
	if size != release.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", release.Path, release.Size, size)
	}
	computed := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(computed, release.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", release.Path)
	}
	return nil
}

// apiClient is a thin client for the sideloadd HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string, client *http.Client) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &apiClient{base: strings.TrimRight(base, "/"), client: client}
}

func (c *apiClient) listReleases(ctx context.Context) ([]apiRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/releases", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list releases: %s", readAPIError(resp))
	}

	var response struct {
		Releases []apiRelease `json:"releases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode releases: %w", err)
	}
	return response.Releases, nil
}

func (c *apiClient) downloadArtifact(ctx context.Context, digest, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/artifacts/"+digest, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch artifact: %s", readAPIError(resp))
	}

	file, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return size, err
}

// ensureRelease registers the release and returns its id. A tag conflict
// means the target already tracks it; the existing id is looked up instead.
func (c *apiClient) ensureRelease(ctx context.Context, release ManifestRelease) (string, error) {
	body, err := json.Marshal(map[string]any{
		"tag":          release.Tag,
		"name":         release.Name,
		"apk_name":     release.ApkName,
		"published_at": release.PublishedAt,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/releases", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var response struct {
			Release apiRelease `json:"release"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return "", fmt.Errorf("decode release: %w", err)
		}
		return response.Release.ID, nil
	case http.StatusConflict:
		return c.findReleaseID(ctx, release.Tag)
	default:
		return "", errors.New(readAPIError(resp))
	}
}

func (c *apiClient) findReleaseID(ctx context.Context, tag string) (string, error) {
	releases, err := c.listReleases(ctx)
	if err != nil {
		return "", err
	}
	for _, release := range releases {
		if release.Tag == tag {
			return release.ID, nil
		}
	}
	return "", fmt.Errorf("release %q not found after conflict", tag)
}

func (c *apiClient) uploadArtifact(ctx context.Context, release ManifestRelease, releaseID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	query := url.Values{}
	query.Set("release_id", releaseID)
	query.Set("name", release.ApkName)
	target := fmt.Sprintf("%s/v1/artifacts/%s?%s", c.base, release.SHA256, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return err
	}
	req.ContentLength = release.Size
	req.Header.Set("Content-Type", "application/vnd.android.package-archive")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errors.New(readAPIError(resp))
	}
	return nil
}

func readAPIError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, apiErr.Error)
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

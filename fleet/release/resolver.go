// Package release resolves node software versions to verified local
// binaries. Releases are described by a JSON manifest in a repository,
// downloaded on demand, checked against their published digest and kept in
// a local cache indexed by SQLite.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/mod/semver"
)

var (
	// ErrNotFound means the requested version has no release for this platform.
	ErrNotFound = errors.New("release not found")
	// ErrVerification means a download or cached binary failed its digest check.
	ErrVerification = errors.New("release verification failed")
	// ErrDownload means the repository could not be reached or returned an error.
	ErrDownload = errors.New("release download failed")
)

// Latest selects the highest semantic version in the manifest.
const Latest = "latest"

// Artifact is a verified node binary on local disk.
type Artifact struct {
	Version    string
	BinaryPath string
	// Digest is the sha256 digest of the extracted binary.
	Digest string
}

// Resolver turns a version string into a local Artifact.
type Resolver interface {
	Resolve(ctx context.Context, version string) (Artifact, error)
}

// Manifest is the repository's releases.json document.
type Manifest struct {
	Releases []ManifestEntry `json:"releases"`
}

// ManifestEntry describes one downloadable build.
type ManifestEntry struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	// URL may be absolute or relative to the repository base.
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

// Config configures an HTTPResolver.
type Config struct {
	// RepositoryURL is the base URL holding releases.json. Required.
	RepositoryURL string
	// CacheDir holds downloaded binaries and the release index. Required.
	CacheDir string
	// BinaryName is the executable looked up inside archives (default: "node").
	BinaryName string
	// Platform filters manifest entries (default: GOOS-GOARCH).
	Platform string
	// Timeout bounds each HTTP request (default: 5m).
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPResolver fetches releases from an HTTP repository.
type HTTPResolver struct {
	config Config
	base   *url.URL
	client *http.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewHTTPResolver opens the release index in CacheDir and returns a resolver.
func NewHTTPResolver(config Config) (*HTTPResolver, error) {
	if config.RepositoryURL == "" {
		return nil, fmt.Errorf("release repository URL is required")
	}
	if config.CacheDir == "" {
		return nil, fmt.Errorf("release cache directory is required")
	}
	if config.BinaryName == "" {
		config.BinaryName = "node"
	}
	if config.Platform == "" {
		config.Platform = runtime.GOOS + "-" + runtime.GOARCH
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimSuffix(config.RepositoryURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid release repository URL: %w", err)
	}

	if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create release cache: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", filepath.Join(config.CacheDir, "releases.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open release index: %w", err)
	}
	if err := ReleaseDBInit(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize release index: %w", err)
	}

	return &HTTPResolver{
		config: config,
		base:   base,
		client: &http.Client{Timeout: config.Timeout},
		db:     db,
		logger: config.Logger.With("component", "ReleaseResolver"),
	}, nil
}

// Close releases the index database.
func (r *HTTPResolver) Close() error {
	return r.db.Close()
}

// Cached lists releases already present in the local index.
func (r *HTTPResolver) Cached() ([]Release, error) {
	return ReleaseDBList(r.db)
}

// Resolve returns a verified binary for version, downloading it if the
// cache does not hold a valid copy. An empty version means Latest.
func (r *HTTPResolver) Resolve(ctx context.Context, version string) (Artifact, error) {
	version = strings.TrimPrefix(version, "v")
	if version == "" {
		version = Latest
	}

	if version != Latest {
		if artifact, ok := r.fromCache(version); ok {
			return artifact, nil
		}
	}

	manifest, err := r.fetchManifest(ctx)
	if err != nil {
		return Artifact{}, err
	}
	entry, err := SelectEntry(manifest, version, r.config.Platform)
	if err != nil {
		return Artifact{}, err
	}
	version = strings.TrimPrefix(entry.Version, "v")

	if artifact, ok := r.fromCache(version); ok {
		return artifact, nil
	}
	return r.download(ctx, version, entry)
}

// SelectEntry picks the manifest entry for version on platform. Latest picks
// the highest valid semantic version; entries with invalid versions are
// never chosen as latest.
func SelectEntry(manifest *Manifest, version, platform string) (ManifestEntry, error) {
	var best *ManifestEntry
	for i := range manifest.Releases {
		entry := &manifest.Releases[i]
		if entry.Platform != platform {
			continue
		}
		if version != Latest {
			if strings.TrimPrefix(entry.Version, "v") == version {
				return *entry, nil
			}
			continue
		}
		if !semver.IsValid(canonical(entry.Version)) {
			continue
		}
		if best == nil || semver.Compare(canonical(entry.Version), canonical(best.Version)) > 0 {
			best = entry
		}
	}
	if best == nil {
		return ManifestEntry{}, fmt.Errorf("%w: version %s for %s", ErrNotFound, version, platform)
	}
	return *best, nil
}

func canonical(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// fromCache returns the indexed binary for version if it still exists and
// still hashes to the recorded digest.
func (r *HTTPResolver) fromCache(version string) (Artifact, bool) {
	rel, err := ReleaseDBGet(r.db, version, r.config.Platform)
	if err != nil {
		r.logger.Warn("Release index lookup failed", "version", version, "error", err)
		return Artifact{}, false
	}
	if rel == nil {
		return Artifact{}, false
	}
	digest, err := HashFile(rel.BinaryPath)
	if err != nil || digest != rel.BinaryDigest {
		r.logger.Warn("Cached release is missing or modified, fetching again", "version", version, "path", rel.BinaryPath)
		if err := ReleaseDBDelete(r.db, version, r.config.Platform); err != nil {
			r.logger.Warn("Failed to drop stale release index entry", "version", version, "error", err)
		}
		return Artifact{}, false
	}
	return Artifact{Version: rel.Version, BinaryPath: rel.BinaryPath, Digest: rel.BinaryDigest}, true
}

func (r *HTTPResolver) fetchManifest(ctx context.Context) (*Manifest, error) {
	manifestURL := r.base.ResolveReference(&url.URL{Path: "releases.json"})
	body, err := r.get(ctx, manifestURL.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var manifest Manifest
	if err := json.NewDecoder(body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %v", ErrDownload, err)
	}
	return &manifest, nil
}

func (r *HTTPResolver) get(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s returned status %d", ErrDownload, target, resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *HTTPResolver) download(ctx context.Context, version string, entry ManifestEntry) (Artifact, error) {
	expected, err := ParseDigest(entry.Digest)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: release %s: %v", ErrVerification, version, err)
	}
	ref, err := url.Parse(entry.URL)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: bad release URL %q: %v", ErrDownload, entry.URL, err)
	}
	archiveURL := r.base.ResolveReference(ref)
	archiveName := path.Base(archiveURL.Path)

	logger := r.logger.With("version", version, "url", archiveURL.String())
	logger.Info("Downloading release")

	downloadDir := filepath.Join(r.config.CacheDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return Artifact{}, err
	}
	archive, err := os.CreateTemp(downloadDir, archiveName+".*.partial")
	if err != nil {
		return Artifact{}, err
	}
	archivePath := archive.Name()
	defer os.Remove(archivePath)

	body, err := r.get(ctx, archiveURL.String())
	if err != nil {
		archive.Close()
		return Artifact{}, err
	}
	hasher := expected.Hasher()
	_, err = io.Copy(io.MultiWriter(archive, hasher), body)
	body.Close()
	if closeErr := archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if !expected.Matches(hasher.Sum(nil)) {
		return Artifact{}, fmt.Errorf("%w: %s does not match %s", ErrVerification, archiveName, expected)
	}

	binaryPath := filepath.Join(r.config.CacheDir, "bin", version, r.config.BinaryName)
	if err := ExtractBinary(archivePath, archiveName, r.config.BinaryName, binaryPath); err != nil {
		return Artifact{}, fmt.Errorf("%w: extracting release %s: %v", ErrVerification, version, err)
	}
	binaryDigest, err := HashFile(binaryPath)
	if err != nil {
		return Artifact{}, err
	}

	rel := &Release{
		Version:       version,
		Platform:      r.config.Platform,
		ArchiveDigest: expected.String(),
		BinaryDigest:  binaryDigest,
		BinaryPath:    binaryPath,
	}
	if err := ReleaseDBUpsert(r.db, rel); err != nil {
		logger.Warn("Failed to record release in index", "error", err)
	}
	logger.Info("Release verified", "binaryPath", binaryPath)

	return Artifact{Version: version, BinaryPath: binaryPath, Digest: binaryDigest}, nil
}

// StaticResolver always returns the same local binary. Useful for
// installing a locally built node without a repository.
type StaticResolver struct {
	Version    string
	BinaryPath string
}

func (s StaticResolver) Resolve(ctx context.Context, version string) (Artifact, error) {
	if version != "" && version != Latest && strings.TrimPrefix(version, "v") != strings.TrimPrefix(s.Version, "v") {
		return Artifact{}, fmt.Errorf("%w: only %s is available locally", ErrNotFound, s.Version)
	}
	digest, err := HashFile(s.BinaryPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return Artifact{Version: s.Version, BinaryPath: s.BinaryPath, Digest: digest}, nil
}

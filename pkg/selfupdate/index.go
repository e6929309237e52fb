// Package selfupdate keeps the daemon binary current: it compares the
// running version against the package index and swaps the binary
// in-place when a newer release is published.
package selfupdate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Release describes one published daemon version.
type Release struct {
	Version  *semver.Version
	URL      string
	Checksum []byte // sha256 of the binary
}

// PackageIndex publishes daemon releases.
type PackageIndex interface {
	// Latest returns the newest published release.
	Latest(ctx context.Context) (*Release, error)

	// Fetch downloads the release binary.
	Fetch(ctx context.Context, rel *Release) (io.ReadCloser, error)
}

type indexManifest struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

// HTTPIndex reads a JSON release manifest over HTTPS:
//
//	{"version": "1.4.2", "url": "https://.../slurmbridged-1.4.2", "sha256": "..."}
type HTTPIndex struct {
	manifestURL string
	http        *http.Client
}

func NewHTTPIndex(manifestURL string, timeout time.Duration) (*HTTPIndex, error) {
	if strings.TrimSpace(manifestURL) == "" {
		return nil, errors.New("package index url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPIndex{
		manifestURL: manifestURL,
		http:        &http.Client{Timeout: timeout},
	}, nil
}

func (i *HTTPIndex) Latest(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release manifest: unexpected status %d", resp.StatusCode)
	}

	var manifest indexManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode release manifest: %w", err)
	}

	version, err := semver.NewVersion(strings.TrimSpace(manifest.Version))
	if err != nil {
		return nil, fmt.Errorf("parse release version %q: %w", manifest.Version, err)
	}
	if strings.TrimSpace(manifest.URL) == "" {
		return nil, errors.New("release manifest has no url")
	}
	checksum, err := hex.DecodeString(strings.TrimSpace(manifest.SHA256))
	if err != nil || len(checksum) == 0 {
		return nil, errors.New("release manifest has no usable sha256")
	}

	return &Release{Version: version, URL: manifest.URL, Checksum: checksum}, nil
}

func (i *HTTPIndex) Fetch(ctx context.Context, rel *Release) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download release: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download release: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

package gomod

import (
	"context"
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

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when the mirror has no versions of a module.
var ErrNotFound = errors.New("module not found on mirror")

// ProxyClient queries a module mirror speaking the GOPROXY protocol.
type ProxyClient struct {
	BaseURL     string
	HTTPClient  *http.Client
	Concurrency int
}

// NewProxyClient creates a client for the given mirror URL.
func NewProxyClient(baseURL string) *ProxyClient {
	return &ProxyClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Concurrency: 8,
	}
}

type versionInfo struct {
	Version string    `json:"Version"`
	Time    time.Time `json:"Time"`
}

// Latest returns the newest version of modulePath. It asks for @latest and
// falls back to the highest entry of @v/list when the mirror lacks @latest.
func (c *ProxyClient) Latest(ctx context.Context, modulePath string) (string, error) {
	escaped, err := module.EscapePath(modulePath)
	if err != nil {
		return "", fmt.Errorf("invalid module path %s: %w", modulePath, err)
	}

	body, err := c.get(ctx, escaped+"/@latest")
	if err == nil {
		var info versionInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return "", fmt.Errorf("invalid @latest response for %s: %w", modulePath, err)
		}
		if !semver.IsValid(info.Version) {
			return "", fmt.Errorf("invalid version %q for %s", info.Version, modulePath)
		}
		return info.Version, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	body, err = c.get(ctx, escaped+"/@v/list")
	if err != nil {
		return "", err
	}
	var versions []string
	for _, line := range strings.Split(string(body), "\n") {
		if v := strings.TrimSpace(line); semver.IsValid(v) {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%s: %w", modulePath, ErrNotFound)
	}
	semver.Sort(versions)
	return versions[len(versions)-1], nil
}

func (c *ProxyClient) get(ctx context.Context, rel string) ([]byte, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL: %w", err)
	}

	if base.Scheme == "file" {
		data, err := os.ReadFile(filepath.Join(filepath.FromSlash(base.Path), filepath.FromSlash(rel)))
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return data, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+rel, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// Update describes a requirement with a newer version on the mirror.
type Update struct {
	Path     string
	Current  string
	Latest   string
	Indirect bool
	Err      error
}

// Outdated checks every requirement of mod against the mirror. Direct
// requirements only unless includeIndirect is set. Lookup failures are
// reported per module in Update.Err rather than aborting the check.
func (c *ProxyClient) Outdated(ctx context.Context, mod *Module, includeIndirect bool) ([]Update, error) {
	reqs := mod.Direct()
	if includeIndirect {
		reqs = mod.Requirements
	}

	results := make([]Update, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.Concurrency, 1))

	for i, r := range reqs {
		g.Go(func() error {
			latest, err := c.Latest(ctx, r.Path)
			results[i] = Update{Path: r.Path, Current: r.Version, Latest: latest, Indirect: r.Indirect, Err: err}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var updates []Update
	for _, u := range results {
		if u.Err != nil || semver.Compare(u.Latest, u.Current) > 0 {
			updates = append(updates, u)
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Path < updates[j].Path })
	return updates, nil
}

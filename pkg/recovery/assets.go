package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// ErrAssetUnavailable is returned when a bundle cannot be fetched or parsed.
var ErrAssetUnavailable = errors.New("recovery: asset unavailable")

// Bundled asset documents consumed on first sync.
const (
	BackupKeyBundlePath  = "backup-keys.json"
	DelegationBundlePath = "delegations.json"
)

// AssetLoader fetches a fixed-path JSON document and decodes it into v.
// Transport-level failures surface as ErrAssetUnavailable.
type AssetLoader interface {
	FetchJSON(ctx context.Context, path string, v any) error
}

// HTTPAssetLoader fetches bundles served as static JSON assets.
type HTTPAssetLoader struct {
	BaseURL string
	Client  *http.Client
}

func (l *HTTPAssetLoader) FetchJSON(ctx context.Context, path string, v any) error {
	u, err := url.JoinPath(l.BaseURL, path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", ErrAssetUnavailable, path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: cannot decode %s: %w", ErrAssetUnavailable, path, err)
	}
	return nil
}

// FileAssetLoader reads bundles from a local directory; used by the CLI and
// by tests.
type FileAssetLoader struct {
	Dir string
}

func (l *FileAssetLoader) FetchJSON(_ context.Context, path string, v any) error {
	b, err := os.ReadFile(filepath.Join(l.Dir, path))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: cannot decode %s: %w", ErrAssetUnavailable, path, err)
	}
	return nil
}

package assetcache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"Strata/core/utils"
	layererrors "Strata/pkg/errors"

	"go.uber.org/zap"
)

// Extension of cached generated audio.
const Extension = ".wav"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Cache persists generated audio under a private directory, one file per job.
type Cache struct {
	dir        string
	httpClient *http.Client
	log        *zap.Logger
}

// Storer is what the layer orchestrator needs from a local asset cache.
type Storer interface {
	Store(ctx context.Context, remoteURL, jobID string) (string, error)
	Remove(jobID string) error
}

var _ Storer = (*Cache)(nil)

// New creates the cache directory if needed.
func New(dir string, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:        abs,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path is the deterministic location of jobID's asset.
func (c *Cache) Path(jobID string) string {
	return filepath.Join(c.dir, unsafeName.ReplaceAllString(jobID, "_")+Extension)
}

// Has reports whether jobID's asset is already cached.
func (c *Cache) Has(jobID string) bool {
	info, err := os.Stat(c.Path(jobID))
	return err == nil && info.Mode().IsRegular()
}

// Store downloads remoteURL fully, requires HTTP 200 and writes the body
// atomically to Path(jobID). A job that is already cached is not downloaded
// again. Any failure is ErrDownload; callers fall back to the remote URL.
func (c *Cache) Store(ctx context.Context, remoteURL, jobID string) (string, error) {
	if jobID == "" {
		return "", layererrors.NewLayerError("store", "", layererrors.Wrap(layererrors.ErrDownload, fmt.Errorf("empty job id")))
	}
	if c.Has(jobID) {
		c.log.Debug("asset already cached", zap.String("job", jobID))
		return c.Path(jobID), nil
	}

	data, err := utils.DownloadBytes(ctx, c.httpClient, remoteURL)
	if err != nil {
		return "", layererrors.NewLayerError("store", jobID, layererrors.Wrap(layererrors.ErrDownload, err))
	}

	path := c.Path(jobID)
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return "", layererrors.NewLayerError("store", jobID, layererrors.Wrap(layererrors.ErrDownload, err))
	}

	c.log.Info("asset cached",
		zap.String("job", jobID),
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	return path, nil
}

// Remove deletes jobID's asset. A missing file is not an error.
func (c *Cache) Remove(jobID string) error {
	if err := os.Remove(c.Path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached asset: %w", err)
	}
	return nil
}

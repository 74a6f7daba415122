package modelstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
)

// Downloader syncs the full contents of the model bucket to a local directory
type Downloader struct {
	client      *Client
	dir         string
	concurrency int
	skipExist   bool
	verifySize  bool
	maxRetries  int
	logger      *zap.Logger
}

// DownloaderOption is a functional option for configuring Downloader
type DownloaderOption func(*Downloader)

// WithDownloadLogger sets a custom logger for the downloader
func WithDownloadLogger(logger *zap.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithMaxRetries sets how many times a failed object download is retried
func WithMaxRetries(n int) DownloaderOption {
	return func(d *Downloader) {
		d.maxRetries = n
	}
}

// NewDownloader creates a downloader for the given client and model settings
func NewDownloader(client *Client, cfg infraconfig.ModelConfig, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		client:      client,
		dir:         cfg.Dir,
		concurrency: cfg.Concurrency,
		skipExist:   cfg.SkipExisting,
		verifySize:  cfg.VerifySize,
		maxRetries:  3,
		logger:      zap.NewNop(),
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Sync downloads every object in the bucket into the model directory.
// Objects whose local copy already matches in size are skipped. The manifest
// is written regardless of outcome so partial syncs are observable.
func (d *Downloader) Sync(ctx context.Context) (*Manifest, error) {
	start := time.Now()

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	d.logger.Info("Starting model sync",
		zap.String("bucket", d.client.Bucket()),
		zap.String("dir", d.dir),
		zap.Int("concurrency", d.concurrency),
	)

	objects, err := d.client.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBucket, d.client.Bucket())
	}

	d.logger.Info("Listed model objects", zap.Int("count", len(objects)))

	var succeeded, failed, skipped atomic.Int64
	var downloadedBytes atomic.Int64

	jobs := make(chan Object)
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobs {
				switch d.syncObject(ctx, obj) {
				case syncSkipped:
					skipped.Add(1)
					succeeded.Add(1)
				case syncDownloaded:
					succeeded.Add(1)
					downloadedBytes.Add(obj.Size)
				case syncFailed:
					failed.Add(1)
				}
			}
		}()
	}

	for _, obj := range objects {
		select {
		case jobs <- obj:
		case <-ctx.Done():
			// Stop feeding; workers drain and exit
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	manifest := &Manifest{
		DownloadedAt: time.Now().UTC(),
		Bucket:       d.client.Bucket(),
		Endpoint:     d.client.Endpoint(),
		TotalObjects: len(objects),
		Succeeded:    int(succeeded.Load()),
		Failed:       int(failed.Load()),
		Skipped:      int(skipped.Load()),
		TotalBytes:   downloadedBytes.Load(),
	}
	if err := WriteManifest(d.dir, manifest); err != nil {
		d.logger.Error("Failed to write sync manifest", zap.Error(err))
	}

	d.logger.Info("Model sync finished",
		zap.Int("total", manifest.TotalObjects),
		zap.Int("succeeded", manifest.Succeeded),
		zap.Int("skipped", manifest.Skipped),
		zap.Int("failed", manifest.Failed),
		zap.Int64("downloaded_bytes", manifest.TotalBytes),
		zap.Duration("elapsed", time.Since(start)),
	)

	if ctx.Err() != nil {
		return manifest, ctx.Err()
	}
	if manifest.Failed > 0 {
		return manifest, fmt.Errorf("%w: %d of %d objects failed", ErrSyncIncomplete, manifest.Failed, manifest.TotalObjects)
	}

	return manifest, nil
}

type syncResult int

const (
	syncDownloaded syncResult = iota
	syncSkipped
	syncFailed
)

// syncObject downloads a single object unless the local copy is current
func (d *Downloader) syncObject(ctx context.Context, obj Object) syncResult {
	localPath, err := d.localPath(obj.Key)
	if err != nil {
		d.logger.Error("Refusing unsafe object key", zap.String("key", obj.Key), zap.Error(err))
		return syncFailed
	}

	if d.skipExist {
		if info, err := os.Stat(localPath); err == nil && info.Size() == obj.Size {
			d.logger.Debug("Object already current", zap.String("key", obj.Key))
			return syncSkipped
		}
	}

	operation := func() error {
		return d.downloadObject(ctx, obj, localPath)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		d.logger.Error("Failed to download object",
			zap.String("key", obj.Key),
			zap.Int64("size", obj.Size),
			zap.Error(err),
		)
		return syncFailed
	}

	return syncDownloaded
}

// downloadObject streams the object to a temp file and renames it into place
func (d *Downloader) downloadObject(ctx context.Context, obj Object, localPath string) error {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", obj.Key, err)
	}

	body, contentLength, err := d.client.openObject(ctx, obj.Key)
	if err != nil {
		return err
	}
	defer body.Close()

	tmpPath := localPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", tmpPath, err)
	}

	written, err := io.Copy(f, body)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to download %q: %w", obj.Key, err)
	}

	if d.verifySize && contentLength > 0 && written != contentLength {
		os.Remove(tmpPath)
		return fmt.Errorf("size mismatch for %q: got %d bytes, want %d", obj.Key, written, contentLength)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move %q into place: %w", obj.Key, err)
	}

	d.logger.Info("Downloaded object",
		zap.String("key", obj.Key),
		zap.Int64("bytes", written),
		zap.Duration("elapsed", time.Since(start)),
	)

	return nil
}

// localPath maps an object key to a path inside the model directory,
// rejecting keys that would escape it
func (d *Downloader) localPath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("object key escapes model directory: %q", key)
	}
	return filepath.Join(d.dir, cleaned), nil
}

// Info returns the manifest from the last completed sync
func (d *Downloader) Info() (*Manifest, error) {
	return ReadManifest(d.dir)
}

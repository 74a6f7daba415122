package modelstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/podworker/worker/internal/infrastructure/config"
)

func newTestDownloader(t *testing.T, fake *fakeObjectAPI, dir string, modelCfg config.ModelConfig) *Downloader {
	t.Helper()

	client, err := NewClient(validStorageConfig(), WithObjectAPI(fake))
	require.NoError(t, err)

	modelCfg.Dir = dir
	return NewDownloader(client, modelCfg,
		WithDownloadLogger(zaptest.NewLogger(t)),
		WithMaxRetries(2),
	)
}

func TestSync_DownloadsAllObjects(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeObjectAPI(map[string][]byte{
		"config.json":           []byte(`{"layers":12}`),
		"weights/shard-000.bin": []byte("first shard"),
		"weights/shard-001.bin": []byte("second shard"),
	})

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 2, VerifySize: true})

	manifest, err := d.Sync(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 3, manifest.TotalObjects)
	assert.Equal(t, 3, manifest.Succeeded)
	assert.Equal(t, 0, manifest.Failed)
	assert.Equal(t, 0, manifest.Skipped)

	data, err := os.ReadFile(filepath.Join(dir, "weights", "shard-001.bin"))
	require.NoError(t, err)
	assert.Equal(t, "second shard", string(data))

	// manifest lands next to the model files
	assert.FileExists(t, filepath.Join(dir, ManifestFilename))
}

func TestSync_SkipsCurrentLocalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"layers":12}`), 0644))

	fake := newFakeObjectAPI(map[string][]byte{
		"config.json": []byte(`{"layers":12}`),
		"weights.bin": []byte("weights"),
	})

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1, SkipExisting: true})

	manifest, err := d.Sync(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, manifest.Skipped)
	assert.Equal(t, 2, manifest.Succeeded)
	assert.Equal(t, 1, fake.getCalls, "current file should not be re-downloaded")
}

func TestSync_RedownloadsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), []byte("stale"), 0644))

	fake := newFakeObjectAPI(map[string][]byte{
		"weights.bin": []byte("fresh weights"),
	})

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1, SkipExisting: true})

	manifest, err := d.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, manifest.Skipped)

	data, err := os.ReadFile(filepath.Join(dir, "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "fresh weights", string(data))
}

func TestSync_RetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeObjectAPI(map[string][]byte{"weights.bin": []byte("weights")})
	fake.failKeys["weights.bin"] = 1 // first attempt fails, retry succeeds

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1})

	manifest, err := d.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Succeeded)
	assert.Equal(t, 0, manifest.Failed)
}

func TestSync_ReportsPersistentFailures(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeObjectAPI(map[string][]byte{
		"good.bin": []byte("fine"),
		"bad.bin":  []byte("never arrives"),
	})
	fake.failKeys["bad.bin"] = 100 // more failures than retries

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1})

	manifest, err := d.Sync(t.Context())
	require.ErrorIs(t, err, ErrSyncIncomplete)
	assert.Equal(t, 1, manifest.Succeeded)
	assert.Equal(t, 1, manifest.Failed)

	// the good object still made it down
	assert.FileExists(t, filepath.Join(dir, "good.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "bad.bin"))
}

func TestSync_EmptyBucket(t *testing.T) {
	d := newTestDownloader(t, newFakeObjectAPI(nil), t.TempDir(), config.ModelConfig{Concurrency: 1})

	_, err := d.Sync(t.Context())
	require.ErrorIs(t, err, ErrEmptyBucket)
}

func TestSync_RejectsTraversalKeys(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeObjectAPI(map[string][]byte{
		"../outside.bin": []byte("nope"),
	})

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1})

	manifest, err := d.Sync(t.Context())
	require.ErrorIs(t, err, ErrSyncIncomplete)
	assert.Equal(t, 1, manifest.Failed)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "outside.bin"))
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeObjectAPI(map[string][]byte{"weights.bin": []byte("weights")})

	d := newTestDownloader(t, fake, dir, config.ModelConfig{Concurrency: 1})

	written, err := d.Sync(t.Context())
	require.NoError(t, err)

	read, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, written.Bucket, read.Bucket)
	assert.Equal(t, written.TotalObjects, read.TotalObjects)
	assert.Equal(t, written.Succeeded, read.Succeeded)
	assert.False(t, read.DownloadedAt.IsZero())
}

func TestInfo_NoManifest(t *testing.T) {
	d := newTestDownloader(t, newFakeObjectAPI(nil), t.TempDir(), config.ModelConfig{Concurrency: 1})

	_, err := d.Info()
	require.Error(t, err)
}

package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Enrich.BatchSize)
	assert.Equal(t, time.Second, cfg.Enrich.InterBatchDelay)
	assert.Equal(t, 5, cfg.Import.Workers)
	assert.Equal(t, 20*time.Second, cfg.Sources.GoogleBooks.timeout())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
enrichment:
  batch_size: 10
  inter_batch_delay: 250ms
  long_ttl: 72h
import:
  workers: 3
  skip_duplicates: true
sources:
  googlebooks:
    timeout: 5s
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 10, cfg.Enrich.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Enrich.InterBatchDelay)
	assert.Equal(t, 72*time.Hour, cfg.Cache.BookTTL, "long_ttl governs the enrichment cache shard")
	assert.Equal(t, 3, cfg.Import.Workers)
	assert.True(t, cfg.Import.SkipDuplicates)
	assert.Equal(t, 5*time.Second, cfg.Sources.GoogleBooks.timeout())
	assert.Equal(t, 20*time.Second, cfg.Sources.OpenLibrary.timeout(), "untouched sources keep the default")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

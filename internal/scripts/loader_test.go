package scripts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.js")
	require.NoError(t, os.WriteFile(path, []byte("window.__relay = true;"), 0o600))

	bundle, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "window.__relay = true;", bundle.Source)
	assert.NotEmpty(t, bundle.Hash)
}

func TestLoadFromDiskMissingFile(t *testing.T) {
	_, err := Load(context.Background(), "/nonexistent/bundle.js")
	assert.Error(t, err)
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://my-bucket/path/to/bundle.js")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/bundle.js", key)
}

func TestParseS3URIRejectsMalformed(t *testing.T) {
	_, _, err := parseS3URI("s3://just-a-bucket")
	assert.Error(t, err)
}

func TestContentHashStableForSameInput(t *testing.T) {
	a := contentHash([]byte("abc"))
	b := contentHash([]byte("abc"))
	assert.Equal(t, a, b)
}

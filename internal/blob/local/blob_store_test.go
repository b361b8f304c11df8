// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/fetch-engine/internal/blob/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		store, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "testfile")
		require.NoError(t, err)
		t.Cleanup(func() {
			removeErr := os.Remove(tempFile.Name())
			if removeErr != nil && !os.IsNotExist(removeErr) {
				t.Fatalf("failed to remove temp file: %v", removeErr)
			}
		})

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "blobs")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "tgt-1/ab12cd.html"
		data := []byte("<html>hello</html>")
		uri, err := store.PutObject(context.Background(), path, "text/html", data)
		require.NoError(t, err)

		expectedURI := "file://" + filepath.Join(tempDir, path)
		assert.Equal(t, expectedURI, uri)

		readData, err := os.ReadFile(filepath.Join(tempDir, path)) // #nosec G304 -- controlled temp dir
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/html", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.html", "text/html", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("NestedPath", func(t *testing.T) {
		path := "items/tgt-1/deep/ab12cd.html"
		data := []byte("nested hello")
		uri, err := store.PutObject(context.Background(), path, "text/html", data)
		require.NoError(t, err)

		expectedURI := "file://" + filepath.Join(tempDir, path)
		assert.Equal(t, expectedURI, uri)

		readData, err := os.ReadFile(filepath.Join(tempDir, path)) // #nosec G304 -- controlled temp dir
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("OverwriteIsIdempotent", func(t *testing.T) {
		path := "tgt-1/same.html"
		_, err := store.PutObject(context.Background(), path, "text/html", []byte("v1"))
		require.NoError(t, err)
		uri, err := store.PutObject(context.Background(), path, "text/html", []byte("v1"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)
	})
}

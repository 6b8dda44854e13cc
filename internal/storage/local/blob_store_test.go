// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "root")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetDelete(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, "batches/b1/input.xlsx", storage.XLSXContentType, []byte("hello")))

		// #nosec G304 -- test reads from the controlled temp directory.
		onDisk, err := os.ReadFile(filepath.Join(tempDir, "batches", "b1", "input.xlsx"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(onDisk))

		got, err := store.GetObject(ctx, "batches/b1/input.xlsx")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("MissingIsNotFound", func(t *testing.T) {
		_, err := store.GetObject(ctx, "batches/nope/input.xlsx")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		assert.Error(t, store.PutObject(ctx, "", "text/plain", []byte("data")))
	})

	t.Run("Traversal", func(t *testing.T) {
		assert.Error(t, store.PutObject(ctx, "../escape.txt", "text/plain", []byte("data")))
		_, err := store.GetObject(ctx, "../../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("DeletePrefix", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, "images/b2/a.jpg", storage.JPEGContentType, []byte("1")))
		require.NoError(t, store.PutObject(ctx, "images/b2/b.jpg", storage.JPEGContentType, []byte("2")))
		require.NoError(t, store.DeletePrefix(ctx, "images/b2/"))
		_, err := os.Stat(filepath.Join(tempDir, "images", "b2"))
		assert.True(t, os.IsNotExist(err))

		// Deleting again is fine.
		require.NoError(t, store.DeletePrefix(ctx, "images/b2/"))
	})
}

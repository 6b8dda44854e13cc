package storage_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage/memory"
)

func TestArtifactsLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	store := storage.NewArtifacts(blobs)

	require.NoError(t, store.SaveInput(ctx, "abc123", []byte("in")))
	require.NoError(t, store.SaveMeta(ctx, "abc123", batch.Meta{Mode: batch.ModeTable}))

	_, err := store.OpenOutput(ctx, "abc123")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, store.SaveOutput(ctx, "abc123", []byte("out")))

	in, err := store.OpenInput(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "in", string(in))

	meta, err := store.LoadMeta(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, batch.ModeTable, meta.Mode)

	nice, err := store.PutImage(ctx, "abc123", "cat-png", []byte("jpeg"))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^cat-png-[0-9a-f]{10}$`), nice)

	img, err := store.OpenImage(ctx, "abc123", nice)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(img))

	assert.ElementsMatch(t, []string{
		"batches/abc123/input.xlsx",
		"batches/abc123/output.xlsx",
		"batches/abc123/meta.json",
		"images/abc123/" + nice + ".jpg",
	}, blobs.Keys())

	require.NoError(t, store.DeleteBatch(ctx, "abc123"))
	assert.Empty(t, blobs.Keys())
}

func TestPutImageUniqueNames(t *testing.T) {
	t.Parallel()

	store := storage.NewArtifacts(memory.NewBlobStore())
	a, err := store.PutImage(context.Background(), "b1", "img", []byte("1"))
	require.NoError(t, err)
	b, err := store.PutImage(context.Background(), "b1", "img", []byte("2"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnsafeKeys(t *testing.T) {
	t.Parallel()

	store := storage.NewArtifacts(memory.NewBlobStore())
	_, err := store.OpenImage(context.Background(), "..", "x")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, store.SaveInput(context.Background(), "a/b", nil), storage.ErrInvalidKey)
}

func TestServedURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://cdn.example/api/i/b1/cat-0123456789",
		storage.ServedURL("https://cdn.example/", "b1", "cat-0123456789"))
}

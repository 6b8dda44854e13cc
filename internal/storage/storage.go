// Package storage lays out batch artifacts (workbooks, metadata and images) on
// top of a pluggable blob backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/id/uuid"
)

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidKey is returned for batch or image identifiers that are not safe path segments.
	ErrInvalidKey = errors.New("invalid artifact key")
)

var safeSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	inputName  = "input.xlsx"
	outputName = "output.xlsx"
	metaName   = "meta.json"

	niceSuffixLength = 10

	// XLSXContentType is the MIME type of stored workbooks.
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	// JPEGContentType is the MIME type of stored images.
	JPEGContentType = "image/jpeg"
)

// BlobStore is the minimal object store the artifact layout is built on.
// GetObject returns ErrNotFound for missing keys.
type BlobStore interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// ArtifactStore is what the API, worker and purge code depend on.
type ArtifactStore interface {
	SaveInput(ctx context.Context, id string, data []byte) error
	OpenInput(ctx context.Context, id string) ([]byte, error)
	SaveOutput(ctx context.Context, id string, data []byte) error
	OpenOutput(ctx context.Context, id string) ([]byte, error)
	SaveMeta(ctx context.Context, id string, meta batch.Meta) error
	LoadMeta(ctx context.Context, id string) (batch.Meta, error)
	PutImage(ctx context.Context, id, slug string, data []byte) (string, error)
	OpenImage(ctx context.Context, id, niceID string) ([]byte, error)
	DeleteBatch(ctx context.Context, id string) error
}

// Artifacts implements ArtifactStore over a BlobStore.
//
//	batches/<id>/input.xlsx
//	batches/<id>/output.xlsx
//	batches/<id>/meta.json
//	images/<id>/<niceID>.jpg
type Artifacts struct {
	blobs BlobStore
}

// NewArtifacts wraps blobs with the batch artifact layout.
func NewArtifacts(blobs BlobStore) *Artifacts {
	return &Artifacts{blobs: blobs}
}

// SaveInput stores the uploaded workbook.
func (a *Artifacts) SaveInput(ctx context.Context, id string, data []byte) error {
	return a.put(ctx, id, inputName, XLSXContentType, data)
}

// OpenInput returns the uploaded workbook.
func (a *Artifacts) OpenInput(ctx context.Context, id string) ([]byte, error) {
	return a.get(ctx, id, inputName)
}

// SaveOutput stores the rewritten workbook.
func (a *Artifacts) SaveOutput(ctx context.Context, id string, data []byte) error {
	return a.put(ctx, id, outputName, XLSXContentType, data)
}

// OpenOutput returns the rewritten workbook.
func (a *Artifacts) OpenOutput(ctx context.Context, id string) ([]byte, error) {
	return a.get(ctx, id, outputName)
}

// SaveMeta stores the batch metadata document.
func (a *Artifacts) SaveMeta(ctx context.Context, id string, meta batch.Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return a.put(ctx, id, metaName, "application/json", data)
}

// LoadMeta reads the batch metadata document.
func (a *Artifacts) LoadMeta(ctx context.Context, id string) (batch.Meta, error) {
	data, err := a.get(ctx, id, metaName)
	if err != nil {
		return batch.Meta{}, err
	}
	var meta batch.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return batch.Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

// PutImage stores a JPEG under a fresh <slug>-<suffix> name and returns that name.
func (a *Artifacts) PutImage(ctx context.Context, id, slug string, data []byte) (string, error) {
	if !safeSegment.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	niceID, err := NiceID(slug)
	if err != nil {
		return "", err
	}
	if err := a.blobs.PutObject(ctx, imageKey(id, niceID), JPEGContentType, data); err != nil {
		return "", fmt.Errorf("put image %s: %w", niceID, err)
	}
	return niceID, nil
}

// OpenImage returns a stored image.
func (a *Artifacts) OpenImage(ctx context.Context, id, niceID string) ([]byte, error) {
	if !safeSegment.MatchString(id) || !safeSegment.MatchString(niceID) {
		return nil, ErrNotFound
	}
	data, err := a.blobs.GetObject(ctx, imageKey(id, niceID))
	if err != nil {
		return nil, fmt.Errorf("get image %s/%s: %w", id, niceID, err)
	}
	return data, nil
}

// DeleteBatch removes every artifact of a batch. Both prefixes are attempted
// even when the first fails.
func (a *Artifacts) DeleteBatch(ctx context.Context, id string) error {
	if !safeSegment.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	return errors.Join(
		a.blobs.DeletePrefix(ctx, path.Join("batches", id)+"/"),
		a.blobs.DeletePrefix(ctx, path.Join("images", id)+"/"),
	)
}

// NiceID builds a collision-resistant image name from a slug.
func NiceID(slug string) (string, error) {
	suffix, err := uuid.HexID(niceSuffixLength)
	if err != nil {
		return "", err
	}
	return slug + "-" + suffix, nil
}

// ServedURL is the public address of a stored image.
func ServedURL(baseURL, id, niceID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/i/" + id + "/" + niceID
}

func (a *Artifacts) put(ctx context.Context, id, name, contentType string, data []byte) error {
	if !safeSegment.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	if err := a.blobs.PutObject(ctx, batchKey(id, name), contentType, data); err != nil {
		return fmt.Errorf("put %s for %s: %w", name, id, err)
	}
	return nil
}

func (a *Artifacts) get(ctx context.Context, id, name string) ([]byte, error) {
	if !safeSegment.MatchString(id) {
		return nil, ErrNotFound
	}
	data, err := a.blobs.GetObject(ctx, batchKey(id, name))
	if err != nil {
		return nil, fmt.Errorf("get %s for %s: %w", name, id, err)
	}
	return data, nil
}

func batchKey(id, name string) string {
	return path.Join("batches", id, name)
}

func imageKey(id, niceID string) string {
	return path.Join("images", id, niceID+".jpg")
}

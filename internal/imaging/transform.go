package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	// Decoders registered for image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultQuality      = 90
	DefaultFetchTimeout = 25 * time.Second
)

// FetchResponse is the raw result of fetching one URL.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Config controls the transform.
type Config struct {
	MinSide      int
	Quality      int
	FetchTimeout time.Duration
}

// Result is one normalized image.
type Result struct {
	Data          []byte
	Slug          string
	SourceWidth   int
	SourceHeight  int
	CanvasWidth   int
	CanvasHeight  int
	FetchDuration time.Duration
}

// Transformer fetches, pads and re-encodes images. It holds no per-call state
// and is safe for concurrent use.
type Transformer struct {
	fetcher Fetcher
	cfg     Config
}

// NewTransformer builds a Transformer.
func NewTransformer(fetcher Fetcher, cfg Config) *Transformer {
	if cfg.MinSide <= 0 {
		cfg.MinSide = DefaultMinSide
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Transformer{fetcher: fetcher, cfg: cfg}
}

// Transform fetches rawURL and returns the padded JPEG encoding.
func (t *Transformer) Transform(ctx context.Context, rawURL string) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	defer cancel()

	resp, err := t.fetcher.Fetch(fetchCtx, rawURL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return Result{}, fe
		}
		return Result{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return Result{}, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        errors.New("unexpected status"),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return Result{}, &DecodeError{URL: rawURL, Err: err}
	}

	canvas := Pad(src, t.cfg.MinSide)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: t.cfg.Quality}); err != nil {
		return Result{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return Result{
		Data:          buf.Bytes(),
		Slug:          Slug(rawURL),
		SourceWidth:   src.Bounds().Dx(),
		SourceHeight:  src.Bounds().Dy(),
		CanvasWidth:   canvas.Bounds().Dx(),
		CanvasHeight:  canvas.Bounds().Dy(),
		FetchDuration: resp.Duration,
	}, nil
}

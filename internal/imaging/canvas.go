package imaging

import (
	"image"
	"image/color"
	"image/draw"
)

// DefaultMinSide is the minimum canvas edge in pixels.
const DefaultMinSide = 600

// Canvas returns the padded canvas size for a w×h source and the offset that
// centers the source on it. The source is never shrunk.
func Canvas(w, h, minSide int) (canvasW, canvasH, offX, offY int) {
	canvasW = max(w, minSide)
	canvasH = max(h, minSide)
	return canvasW, canvasH, (canvasW - w) / 2, (canvasH - h) / 2
}

// Pad draws src centered on a white canvas of at least minSide×minSide.
// Transparent pixels are composited over the white background.
func Pad(src image.Image, minSide int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch, x, y := Canvas(w, h, minSide)

	dst := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(x, y, x+w, y+h), src, b.Min, draw.Over)
	return dst
}

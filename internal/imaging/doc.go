// Package imaging fetches a remote image and normalizes it onto a padded,
// opaque JPEG canvas.
package imaging

package imaging

import (
	"regexp"
	"strings"
)

// DefaultSlug is used when a URL yields no usable name.
const DefaultSlug = "img"

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Slug derives a filesystem-friendly name from the last path segment of rawURL.
func Slug(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	base = strings.TrimRight(base, "/")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(strings.Trim(nonAlnum.ReplaceAllString(base, "-"), "-"))
	if base == "" {
		return DefaultSlug
	}
	return base
}

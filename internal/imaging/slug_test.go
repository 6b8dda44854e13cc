package imaging

import "testing"

func TestSlug(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"https://cdn.example.com/a/Photo_01.JPG", "photo-01-jpg"},
		{"https://cdn.example.com/a/b/?x=1", "b"},
		{"https://cdn.example.com/img.png?size=large&v=2", "img-png"},
		{"https://cdn.example.com/", "cdn-example-com"},
		{"https://cdn.example.com/---", DefaultSlug},
		{"", DefaultSlug},
		{"http://x.y/__Über__Foto__", "ber-foto"},
	}
	for _, tc := range cases {
		if got := Slug(tc.in); got != tc.want {
			t.Errorf("Slug(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

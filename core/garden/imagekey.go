package garden

import (
	"net/url"
	"strings"
)

// ImageKey derives the object store key from a stored image reference of
// the shape scheme://host/path. A reference that does not parse into that
// shape degrades to the empty string; callers emit the row regardless.
func ImageKey(imageURL string) string {
	u, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil {
		return ""
	}
	if u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

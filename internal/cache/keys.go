package cache

import "strings"

// Key joins segments with ":" into a cache key. Empty segments are kept so
// that distinct inputs never collide.
func Key(segments ...string) string {
	return strings.Join(segments, ":")
}

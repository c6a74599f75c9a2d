// Package kv implements the key-value cache used for settings, feed pages
// and scheduler state, backed by badger or redis.
package kv

import (
	"path"
	"strings"

	"github.com/elonfeng/feedrank/pkg/ranking"
)

var (
	_ ranking.KeyValueCache = (*BadgerCache)(nil)
	_ ranking.KeyValueCache = (*RedisCache)(nil)
	_ ranking.KeyValueCache = (*Resilient)(nil)
)

// literalPrefix returns the part of a glob pattern before its first
// wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// match reports whether key matches the glob pattern. Malformed patterns
// match nothing.
func match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// Package source imports content items from external feeds so the ranking
// engine has something to score.
package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/elonfeng/feedrank/pkg/ranking"
)

// Source is the interface every importer must implement.
type Source interface {
	Name() string
	Collect(ctx context.Context) ([]ranking.ContentItem, error)
}

// Sink stores imported items.
type Sink interface {
	UpsertItems(ctx context.Context, items []ranking.ContentItem) error
}

// stableID derives a short, stable item id from a source-specific key.
func stableID(prefix, key string) string {
	sum := sha1.Sum([]byte(key))
	return prefix + ":" + hex.EncodeToString(sum[:8])
}

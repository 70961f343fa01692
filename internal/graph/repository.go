package graph

import (
	"context"

	"github.com/efebarandurmaz/katbot/internal/category"
)

// Store exposes category membership and hierarchy facts. Implementations
// return *DataAccessError for every I/O or decoding failure.
type Store interface {
	// Subcategories returns the direct sub-categories of the named category.
	Subcategories(ctx context.Context, name string) ([]string, error)
	// HiddenCategories returns every category flagged as hidden.
	HiddenCategories(ctx context.Context) (category.Set, error)
	// PageCategories returns the direct memberships of the given article
	// IDs, or of every article when ids is nil.
	PageCategories(ctx context.Context, ids []int64) (category.PageMap, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

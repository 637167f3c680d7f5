// Package blob defines the namespaced key/value blob storage used to persist
// whole session state documents.
package blob

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no blob is stored under the key.
var ErrNotFound = errors.New("blob: not found")

// Store reads and writes whole blobs. Writes replace the previous value
// entirely; there are no partial or field-level updates.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

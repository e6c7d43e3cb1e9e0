// Package blob stores out-of-band run inputs. Submissions whose inputs
// exceed the inline size cap carry an InputsID instead; the dispatcher
// resolves it here before handing the run to the pool.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob exists for an id.
var ErrNotFound = errors.New("blob: not found")

// Store is the out-of-band input blob backend.
type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

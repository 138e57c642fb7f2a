package cache

import (
	"context"
	"errors"

	"github.com/casualjim/fetchbroker/pkg/wire"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("cache store closed")

// Store keeps responses grouped by generation. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, generation, key string) (wire.Response, bool, error)
	Put(ctx context.Context, generation, key string, resp wire.Response) error
	// Generations lists every generation that currently holds entries.
	Generations(ctx context.Context) ([]string, error)
	// Purge drops a generation with all its entries. Purging an unknown generation is not an error.
	Purge(ctx context.Context, generation string) error
	Close() error
}

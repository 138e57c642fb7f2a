package pending

import (
	"context"
	"sync"

	"github.com/casualjim/fetchbroker/pkg/wire"
)

// Future is the single-fire completion handle of a pending request. The first call to
// complete wins; every later call is a no-op and reports false.
type Future struct {
	done chan struct{}
	once sync.Once
	resp wire.Response
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(resp wire.Response) bool {
	won := false
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future holds a response.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is completed or ctx is done.
func (f *Future) Wait(ctx context.Context) (wire.Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// Peek returns the response without blocking.
func (f *Future) Peek() (wire.Response, bool) {
	select {
	case <-f.done:
		return f.resp, true
	default:
		return wire.Response{}, false
	}
}

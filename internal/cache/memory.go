package cache

import (
	"context"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

type memoryStore struct {
	generations *haxmap.Map[string, *haxmap.Map[string, wire.Response]]
	closed      atomic.Bool
}

// Memory returns a process-local store.
func Memory() Store {
	return &memoryStore{
		generations: haxmap.New[string, *haxmap.Map[string, wire.Response]](),
	}
}

func (m *memoryStore) Get(_ context.Context, generation, key string) (wire.Response, bool, error) {
	if m.closed.Load() {
		return wire.Response{}, false, ErrClosed
	}
	entries, ok := m.generations.Get(generation)
	if !ok {
		return wire.Response{}, false, nil
	}
	resp, ok := entries.Get(key)
	if !ok {
		return wire.Response{}, false, nil
	}
	return resp.Clone(), true, nil
}

func (m *memoryStore) Put(_ context.Context, generation, key string, resp wire.Response) error {
	if m.closed.Load() {
		return ErrClosed
	}
	entries, _ := m.generations.GetOrCompute(generation, func() *haxmap.Map[string, wire.Response] {
		return haxmap.New[string, wire.Response]()
	})
	entries.Set(key, resp.Clone())
	return nil
}

func (m *memoryStore) Generations(context.Context) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	var out []string
	m.generations.ForEach(func(name string, _ *haxmap.Map[string, wire.Response]) bool {
		out = append(out, name)
		return true
	})
	return out, nil
}

func (m *memoryStore) Purge(_ context.Context, generation string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.generations.Del(generation)
	return nil
}

func (m *memoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

// DefaultVersionParam is the query parameter that pins a request to a cache generation.
const DefaultVersionParam = "v"

// Cache is the generation-aware front of a Store. Only the active generation is ever
// read or written.
type Cache struct {
	store        Store
	versionParam string
	logger       *slog.Logger

	mu     sync.RWMutex
	active string
}

func New(store Store, versionParam string, logger *slog.Logger) *Cache {
	if versionParam == "" {
		versionParam = DefaultVersionParam
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:        store,
		versionParam: versionParam,
		logger:       logger.With(slogx.LoggerName("cache")),
	}
}

// Generation returns the active generation token, empty before Activate.
func (c *Cache) Generation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Activate makes generation the live one and purges every other generation in the store.
// It returns the purged generation names.
func (c *Cache) Activate(ctx context.Context, generation string) ([]string, error) {
	if generation == "" {
		return nil, fmt.Errorf("generation token is required")
	}
	c.mu.Lock()
	c.active = generation
	c.mu.Unlock()

	names, err := c.store.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache generations: %w", err)
	}
	var purged []string
	for _, name := range names {
		if name == generation {
			continue
		}
		c.logger.InfoContext(ctx, "deleting old cache", slogx.Generation(name))
		if err := c.store.Purge(ctx, name); err != nil {
			return purged, fmt.Errorf("failed to purge cache generation %q: %w", name, err)
		}
		purged = append(purged, name)
	}
	return purged, nil
}

// Cacheable reports whether req may be served from and stored in the active generation:
// a safe method, no byte range, and either no query string or a version parameter equal
// to the active generation.
func (c *Cache) Cacheable(req wire.Request) bool {
	return cacheable(req, c.Generation(), c.versionParam)
}

func cacheable(req wire.Request, active, versionParam string) bool {
	if active == "" || req.URL == nil {
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if req.Header.Get("Range") != "" {
		return false
	}
	if req.URL.RawQuery == "" {
		return true
	}
	return req.URL.Query().Get(versionParam) == active
}

// Key is the cache identity of a request.
func Key(req wire.Request) string {
	return req.Method + " " + req.URL.String()
}

// Lookup returns the cached response for req. Store errors are logged and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, req wire.Request) (wire.Response, bool) {
	active := c.Generation()
	if !cacheable(req, active, c.versionParam) {
		return wire.Response{}, false
	}
	resp, ok, err := c.store.Get(ctx, active, Key(req))
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", slogx.Generation(active), slogx.Error(err))
		return wire.Response{}, false
	}
	return resp, ok
}

// Store saves a successful response for req under the active generation. It reports
// whether the response was written.
func (c *Cache) Store(ctx context.Context, req wire.Request, resp wire.Response) bool {
	active := c.Generation()
	if resp.Status != http.StatusOK || !cacheable(req, active, c.versionParam) {
		return false
	}
	if err := c.store.Put(ctx, active, Key(req), resp); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", slogx.Generation(active), slogx.Error(err))
		return false
	}
	return true
}

func (c *Cache) Close() error {
	return c.store.Close()
}

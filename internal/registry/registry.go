package registry

import (
	"cmp"
	"slices"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/fetchbroker/internal/transport"
)

// Source is a registered peer able to answer requests in the dynamic namespace.
type Source struct {
	ID           string
	Name         string
	Version      string
	Channel      transport.Channel
	Epoch        uint64
	RegisteredAt time.Time
}

// Registry holds the known sources and the client->source bindings.
//
// Mutating methods must be called from a single goroutine (the broker's executor).
// The accessors are backed by concurrent maps and are safe to call from anywhere,
// which is what the status endpoint and the metrics collectors rely on.
type Registry struct {
	sources  *haxmap.Map[string, Source]
	bindings *haxmap.Map[string, string]
	epoch    uint64
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		sources:  haxmap.New[string, Source](),
		bindings: haxmap.New[string, string](),
		now:      time.Now,
	}
}

// Register inserts or replaces a source. Replacing bumps the epoch, which makes every
// pending request dispatched over the previous channel stale, and drops the bindings
// that pointed at the old registration.
func (r *Registry) Register(id, name, version string, ch transport.Channel) (src Source, superseded bool) {
	_, superseded = r.sources.Get(id)
	if superseded {
		r.dropBindingsTo(id)
	}
	r.epoch++
	src = Source{
		ID:           id,
		Name:         name,
		Version:      version,
		Channel:      ch,
		Epoch:        r.epoch,
		RegisteredAt: r.now(),
	}
	r.sources.Set(id, src)
	return src, superseded
}

func (r *Registry) Source(id string) (Source, bool) {
	return r.sources.Get(id)
}

// Current reports whether id is still registered under the given epoch.
func (r *Registry) Current(id string, epoch uint64) bool {
	src, ok := r.sources.Get(id)
	return ok && src.Epoch == epoch
}

// ResolveCandidates returns the source bound to clientID, if any, and every registered
// source in registration order.
func (r *Registry) ResolveCandidates(clientID string) (bound string, all []string) {
	all = r.SourceIDs()
	if clientID == "" {
		return "", all
	}
	if id, ok := r.bindings.Get(clientID); ok {
		if _, live := r.sources.Get(id); live {
			bound = id
		}
	}
	return bound, all
}

// BindClient records that sourceID answers for clientID. Later calls overwrite.
func (r *Registry) BindClient(clientID, sourceID string) {
	if clientID == "" || sourceID == "" {
		return
	}
	r.bindings.Set(clientID, sourceID)
}

func (r *Registry) Binding(clientID string) (string, bool) {
	return r.bindings.Get(clientID)
}

// RemoveSource forgets a source and every binding that points at it.
func (r *Registry) RemoveSource(id string) bool {
	if _, ok := r.sources.Get(id); !ok {
		return false
	}
	r.sources.Del(id)
	r.dropBindingsTo(id)
	return true
}

func (r *Registry) RemoveBinding(clientID string) bool {
	if _, ok := r.bindings.Get(clientID); !ok {
		return false
	}
	r.bindings.Del(clientID)
	return true
}

func (r *Registry) dropBindingsTo(sourceID string) {
	var stale []string
	r.bindings.ForEach(func(clientID, bound string) bool {
		if bound == sourceID {
			stale = append(stale, clientID)
		}
		return true
	})
	if len(stale) > 0 {
		r.bindings.Del(stale...)
	}
}

// Sources returns a snapshot of the registered sources ordered by registration.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, r.sources.Len())
	r.sources.ForEach(func(_ string, src Source) bool {
		out = append(out, src)
		return true
	})
	slices.SortFunc(out, func(a, b Source) int { return cmp.Compare(a.Epoch, b.Epoch) })
	return out
}

func (r *Registry) SourceIDs() []string {
	srcs := r.Sources()
	ids := make([]string, len(srcs))
	for i, src := range srcs {
		ids[i] = src.ID
	}
	return ids
}

// Bindings returns a snapshot of client->source bindings.
func (r *Registry) Bindings() map[string]string {
	out := make(map[string]string, r.bindings.Len())
	r.bindings.ForEach(func(clientID, sourceID string) bool {
		out[clientID] = sourceID
		return true
	})
	return out
}

func (r *Registry) Len() int {
	return int(r.sources.Len())
}

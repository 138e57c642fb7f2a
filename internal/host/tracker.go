package host

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/fogfish/opts"
)

const (
	DefaultClientTTL = 30 * time.Second
	DefaultSourceTTL = 15 * time.Second
)

type presence struct {
	conns   int
	expires time.Time
}

func (p presence) alive(now time.Time) bool {
	return p.conns > 0 || now.Before(p.expires)
}

// Tracker is the set of peers the host can reach. A peer is alive while it holds at least
// one connection (Join/Leave) or while its lease has not expired (Touch, TouchClient).
//
// Tracker implements reaper.Enumerator and transport.Presence.
type Tracker struct {
	clientTTL time.Duration
	sourceTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	peers     *haxmap.Map[string, presence]
	listeners []func(id string)
}

var (
	// ClientTTL is how long a client stays alive after its last request.
	ClientTTL = opts.ForName[Tracker, time.Duration]("clientTTL")
	// SourceTTL is how long a leased source stays alive after its last heartbeat.
	SourceTTL = opts.ForName[Tracker, time.Duration]("sourceTTL")
	Logger    = opts.ForName[Tracker, *slog.Logger]("logger")
)

func NewTracker(options ...opts.Option[Tracker]) *Tracker {
	t := &Tracker{
		clientTTL: DefaultClientTTL,
		sourceTTL: DefaultSourceTTL,
		logger:    slog.Default(),
		now:       time.Now,
		peers:     haxmap.New[string, presence](),
	}
	if err := opts.Apply(t, options); err != nil {
		panic(err)
	}
	t.logger = t.logger.With(slogx.LoggerName("host"))
	return t
}

// OnDeparture registers fn to be called with the id of every peer that stops being alive.
// Callbacks run on the goroutine that noticed the departure and must not block.
func (t *Tracker) OnDeparture(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Join records a connection held by id.
func (t *Tracker) Join(id string) {
	t.update(id, func(p presence) presence {
		p.conns++
		return p
	})
}

// Leave releases a connection held by id.
func (t *Tracker) Leave(id string) {
	t.update(id, func(p presence) presence {
		if p.conns > 0 {
			p.conns--
		}
		return p
	})
}

// ReleaseClient drops a connection taken with Join and renews the client lease, so a
// client stays alive for a full ClientTTL after its last request finished. A client
// forgotten in the meantime stays forgotten.
func (t *Tracker) ReleaseClient(id string) {
	t.mu.Lock()
	p, ok := t.peers.Get(id)
	if ok {
		if p.conns > 0 {
			p.conns--
		}
		if expires := t.now().Add(t.clientTTL); expires.After(p.expires) {
			p.expires = expires
		}
		t.peers.Set(id, p)
	}
	t.mu.Unlock()
}

// Touch extends a source lease.
func (t *Tracker) Touch(id string) {
	t.extend(id, t.sourceTTL)
}

// TouchClient extends a client lease.
func (t *Tracker) TouchClient(id string) {
	t.extend(id, t.clientTTL)
}

func (t *Tracker) extend(id string, ttl time.Duration) {
	expires := t.now().Add(ttl)
	t.update(id, func(p presence) presence {
		if expires.After(p.expires) {
			p.expires = expires
		}
		return p
	})
}

// Forget removes id regardless of its connections or lease.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	_, ok := t.peers.Get(id)
	if ok {
		t.peers.Del(id)
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if ok {
		t.notify(listeners, id)
	}
}

func (t *Tracker) update(id string, fn func(presence) presence) {
	if id == "" {
		return
	}
	t.mu.Lock()
	prev, existed := t.peers.Get(id)
	next := fn(prev)
	var gone bool
	switch {
	case next.alive(t.now()):
		t.peers.Set(id, next)
	case existed:
		t.peers.Del(id)
		gone = true
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if gone {
		t.notify(listeners, id)
	}
}

// Peers returns the ids of every live peer, expiring stale leases first.
func (t *Tracker) Peers(context.Context) ([]string, error) {
	t.Expire()
	out := make([]string, 0, t.peers.Len())
	t.peers.ForEach(func(id string, _ presence) bool {
		out = append(out, id)
		return true
	})
	return out, nil
}

// Expire drops every peer whose lease ran out and that holds no connection.
func (t *Tracker) Expire() []string {
	now := t.now()
	var stale []string
	t.peers.ForEach(func(id string, p presence) bool {
		if !p.alive(now) {
			stale = append(stale, id)
		}
		return true
	})
	if len(stale) == 0 {
		return nil
	}

	t.mu.Lock()
	expired := stale[:0]
	for _, id := range stale {
		if p, ok := t.peers.Get(id); ok && !p.alive(now) {
			t.peers.Del(id)
			expired = append(expired, id)
		}
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, id := range expired {
		t.logger.Debug("lease expired", slog.String("peer", id))
		t.notify(listeners, id)
	}
	return expired
}

// Run expires leases every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Expire()
		}
	}
}

func (t *Tracker) notify(listeners []func(string), id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

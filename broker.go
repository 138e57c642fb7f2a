package fetchbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/fetchbroker/internal/cache"
	"github.com/casualjim/fetchbroker/internal/metrics"
	"github.com/casualjim/fetchbroker/internal/pending"
	"github.com/casualjim/fetchbroker/internal/reaper"
	"github.com/casualjim/fetchbroker/internal/registry"
	"github.com/casualjim/fetchbroker/internal/transport"
	"github.com/casualjim/fetchbroker/internal/upstream"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/fogfish/opts"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by operations submitted after the broker stopped running.
var ErrStopped = errors.New("broker is not running")

// Fetcher performs requests outside the dynamic namespace.
type Fetcher interface {
	Fetch(ctx context.Context, req wire.Request) (wire.Response, error)
}

// Host is the environment's view of which peers are still reachable.
type Host = reaper.Enumerator

// hosts that also track departures or client activity get wired up automatically
type departureNotifier interface {
	OnDeparture(func(id string))
}

type clientTracker interface {
	TouchClient(id string)
}

// hosts that refcount connections keep a waiting client alive past its lease
type clientHolder interface {
	Join(id string)
	ReleaseClient(id string)
}

// Broker routes intercepted requests to the cache, the network or the registered sources.
//
// Every mutation of the registry and the pending table runs on a single goroutine started
// by Run. Operations submitted before Run wait for it.
type Broker struct {
	version       string
	namespace     string
	gracePeriod   time.Duration
	sweepInterval time.Duration
	generation    string
	maxBodySize   int64
	cache         *cache.Cache
	upstream      Fetcher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	discoverers   []transport.Discoverer

	host     Host
	registry *registry.Registry
	table    *pending.Table
	reaper   *reaper.Reaper

	ops       chan func()
	stopped   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	running   atomic.Bool
}

var _ transport.Handler = (*Broker)(nil)

func New(host Host, options ...opts.Option[Broker]) (*Broker, error) {
	if host == nil {
		return nil, errors.New("host is required")
	}
	b := &Broker{
		namespace:     DefaultNamespace,
		gracePeriod:   DefaultGracePeriod,
		sweepInterval: reaper.DefaultInterval,
		maxBodySize:   DefaultMaxBodySize,
		logger:        slog.Default(),
		host:          host,
		registry:      registry.New(),
		table:         pending.New(),
		ops:           make(chan func()),
		stopped:       make(chan struct{}),
		ready:         make(chan struct{}),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(b.namespace, "/") {
		return nil, fmt.Errorf("namespace %q must start with /", b.namespace)
	}
	base := b.logger
	b.logger = base.With(slogx.LoggerName("broker"))

	if b.cache == nil {
		b.cache = cache.New(cache.Memory(), "", base)
	}
	if b.upstream == nil {
		up, err := upstream.New(upstream.Logger(base))
		if err != nil {
			return nil, err
		}
		b.upstream = up
	}

	b.reaper = reaper.New(host, b.reconcile,
		reaper.Interval(b.sweepInterval),
		reaper.Logger(base),
		reaper.OnSweep(b.metrics.ObserveSweep),
	)
	if n, ok := host.(departureNotifier); ok {
		n.OnDeparture(func(string) { b.reaper.Trigger() })
	}
	return b, nil
}

func (b *Broker) Version() string {
	return b.version
}

// Run activates the cache generation, asks the discovery transports for sources and serves
// broker operations until ctx is done. Pending requests still open at that point are
// answered with "Source Disappeared". Run may only be called once.
func (b *Broker) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker is already running")
	}

	if b.generation != "" {
		purged, err := b.cache.Activate(ctx, b.generation)
		if err != nil {
			b.logger.WarnContext(ctx, "failed to activate cache generation", slogx.Generation(b.generation), slogx.Error(err))
		} else {
			b.logger.InfoContext(ctx, "cache generation active", slogx.Generation(b.generation), slog.Int("purged", len(purged)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.loop(gctx) })
	g.Go(func() error { return b.reaper.Run(gctx) })
	g.Go(func() error {
		b.awaitGrace(gctx)
		return nil
	})

	for _, d := range b.discoverers {
		if err := d.Discover(gctx, b.version); err != nil {
			b.logger.WarnContext(ctx, "source discovery failed", slogx.Error(err))
		}
	}
	b.logger.InfoContext(ctx, "broker running",
		slog.String("version", b.version),
		slog.String("namespace", b.namespace),
	)
	return g.Wait()
}

func (b *Broker) loop(ctx context.Context) error {
	defer close(b.stopped)
	for {
		select {
		case <-ctx.Done():
			n := b.table.ResolveAllMatching(func(*pending.Entry) bool { return true }, wire.SourceDisappeared())
			if n > 0 {
				b.logger.Info("released pending requests on shutdown", slog.Int("count", n))
			}
			return nil
		case op := <-b.ops:
			op()
		}
	}
}

// exec runs fn on the broker goroutine and waits for it.
func (b *Broker) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case b.ops <- op:
	case <-b.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (b *Broker) awaitGrace(ctx context.Context) {
	timer := time.NewTimer(b.gracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
		b.open("grace period elapsed")
	case <-b.ready:
	case <-ctx.Done():
	}
}

// open releases dynamic requests held back until the first registration.
func (b *Broker) open(reason string) {
	b.readyOnce.Do(func() {
		close(b.ready)
		b.logger.Debug("accepting dynamic requests", slog.String("reason", reason))
	})
}

func (b *Broker) awaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-b.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether dynamic requests are being dispatched.
func (b *Broker) Ready() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// Reap reconciles the broker against the host right away.
func (b *Broker) Reap(ctx context.Context) reaper.Result {
	return b.reaper.Sweep(ctx)
}

func (b *Broker) reconcile(ctx context.Context, live reaper.Set) reaper.Result {
	var res reaper.Result
	err := b.exec(ctx, func() {
		res = reaper.Reconcile(b.registry, b.table, live)
		b.updateGauges()
	})
	if err != nil {
		return reaper.Result{}
	}
	return res
}

func (b *Broker) current(c pending.Candidate) bool {
	return b.registry.Current(c.SourceID, c.Epoch)
}

func (b *Broker) updateGauges() {
	b.metrics.SetSources(b.registry.Len())
	b.metrics.SetBindings(len(b.registry.Bindings()))
	b.metrics.SetPending(b.table.Count(pending.Unicast), b.table.Count(pending.Broadcast))
}

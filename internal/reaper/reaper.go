package reaper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/fogfish/opts"
)

const DefaultInterval = time.Second

// Enumerator lists the peers the host can currently reach.
type Enumerator interface {
	Peers(ctx context.Context) ([]string, error)
}

// ApplyFunc reconciles broker state against a live set, typically by running Reconcile
// on the broker's executor.
type ApplyFunc func(ctx context.Context, live Set) Result

// Reaper decides when reconciliation runs. Sweeps happen on explicit triggers and, while
// at least one hold is active, once per interval. Triggers that arrive while a sweep is
// queued are coalesced.
type Reaper struct {
	host     Enumerator
	apply    ApplyFunc
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(Result)

	trigger chan struct{}
	holds   atomic.Int64
	sweepMu sync.Mutex
}

var (
	// Interval sets the steady-state sweep period used while holds are active.
	Interval = opts.ForName[Reaper, time.Duration]("interval")
	Logger   = opts.ForName[Reaper, *slog.Logger]("logger")
	// OnSweep registers an observer called after every sweep that reached the host.
	OnSweep = opts.ForName[Reaper, func(Result)]("onSweep")
)

func New(host Enumerator, apply ApplyFunc, options ...opts.Option[Reaper]) *Reaper {
	r := &Reaper{
		host:     host,
		apply:    apply,
		interval: DefaultInterval,
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
	}
	if err := opts.Apply(r, options); err != nil {
		panic(err)
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	r.logger = r.logger.With(slogx.LoggerName("reaper"))
	return r
}

// Trigger requests a sweep without waiting for it.
func (r *Reaper) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Hold keeps the periodic sweep running until the returned release is called.
func (r *Reaper) Hold() (release func()) {
	r.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { r.holds.Add(-1) })
	}
}

func (r *Reaper) Active() bool {
	return r.holds.Load() > 0
}

// Run drives the sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			r.Sweep(ctx)
		case <-ticker.C:
			if r.Active() {
				r.Sweep(ctx)
			}
		}
	}
}

// Sweep enumerates the host and reconciles. Enumeration failures leave state untouched.
func (r *Reaper) Sweep(ctx context.Context) Result {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	peers, err := r.host.Peers(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to enumerate peers", slogx.Error(err))
		return Result{}
	}

	res := r.apply(ctx, NewSet(peers...))
	for _, id := range res.SourcesRemoved {
		r.logger.InfoContext(ctx, "source gone", slogx.SourceID(id))
	}
	for _, id := range res.BindingsRemoved {
		r.logger.InfoContext(ctx, "client gone", slogx.ClientID(id))
	}
	if res.Failed > 0 || res.Settled > 0 {
		r.logger.InfoContext(ctx, "resolved orphaned requests", slog.Int("failed", res.Failed), slog.Int("settled", res.Settled))
	}
	if r.onSweep != nil {
		r.onSweep(res)
	}
	return res
}

package fetchbroker

import (
	"log/slog"
	"time"

	"github.com/casualjim/fetchbroker/internal/cache"
	"github.com/casualjim/fetchbroker/internal/metrics"
	"github.com/casualjim/fetchbroker/internal/transport"
	"github.com/fogfish/opts"
)

const (
	// DefaultNamespace is the path prefix answered by sources instead of the network.
	DefaultNamespace = "/run/"
	// DefaultGracePeriod bounds how long dynamic requests wait for the first source.
	DefaultGracePeriod = 10 * time.Second
	// DefaultMaxBodySize caps request bodies read by ServeHTTP.
	DefaultMaxBodySize int64 = 32 << 20
)

var (
	// WithVersion sets the broker's build version. Sources announcing another version are
	// sent an upgrade notice.
	WithVersion = opts.ForName[Broker, string]("version")

	// WithNamespace sets the path prefix of the dynamic namespace.
	WithNamespace = opts.ForName[Broker, string]("namespace")

	// WithGracePeriod sets how long dynamic requests wait for the first source to register
	// after Run starts.
	WithGracePeriod = opts.ForName[Broker, time.Duration]("gracePeriod")

	// WithSweepInterval sets the reaper's steady-state period while requests are pending.
	WithSweepInterval = opts.ForName[Broker, time.Duration]("sweepInterval")

	// WithGeneration names the cache generation activated by Run.
	WithGeneration = opts.ForName[Broker, string]("generation")

	WithCache       = opts.ForName[Broker, *cache.Cache]("cache")
	WithUpstream    = opts.ForName[Broker, Fetcher]("upstream")
	WithMetrics     = opts.ForName[Broker, *metrics.Metrics]("metrics")
	WithLogger      = opts.ForName[Broker, *slog.Logger]("logger")
	WithMaxBodySize = opts.ForName[Broker, int64]("maxBodySize")
)

// WithDiscovery adds transports that are asked to discover sources when Run starts.
func WithDiscovery(discoverer transport.Discoverer, more ...transport.Discoverer) opts.Option[Broker] {
	return opts.Type[Broker](func(b *Broker) error {
		b.discoverers = append(b.discoverers, discoverer)
		b.discoverers = append(b.discoverers, more...)
		return nil
	})
}

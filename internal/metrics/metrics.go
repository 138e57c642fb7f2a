package metrics

import (
	"strconv"
	"time"

	"github.com/casualjim/fetchbroker/internal/reaper"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fetchbroker"

// Routes a request can take through the broker.
const (
	RouteCache   = "cache"
	RouteDynamic = "dynamic"
	RouteNetwork = "network"
)

// Metrics holds the broker's collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	sources    prometheus.Gauge
	bindings   prometheus.Gauge
	pending    *prometheus.GaugeVec
	reaped     *prometheus.CounterVec
	cacheOps   *prometheus.CounterVec
	upgrades   prometheus.Counter
	deliveries *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by route, status code and synthetic reason.",
		}, []string{"route", "code", "reason"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to answer an intercepted request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		sources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources",
			Help:      "Registered sources.",
		}),
		bindings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_bindings",
			Help:      "Clients bound to a source.",
		}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a source, by dispatch mode.",
		}, []string{"mode"}),
		reaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "removed_total",
			Help:      "State removed by the reaper, by kind.",
		}, []string{"kind"}),
		cacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache lookups and writes by outcome.",
		}, []string{"op"}),
		upgrades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_notices_total",
			Help:      "Upgrade notices sent to sources running another version.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Fetch messages that could not be delivered, by dispatch mode.",
		}, []string{"mode"}),
	}
}

// ObserveRequest records a finished request.
func (m *Metrics) ObserveRequest(route string, resp wire.Response, elapsed time.Duration) {
	if m == nil {
		return
	}
	var reason string
	if resp.Synthetic() {
		reason = resp.StatusText
	}
	m.requests.WithLabelValues(route, strconv.Itoa(resp.Status), reason).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.sources.Set(float64(n))
}

func (m *Metrics) SetBindings(n int) {
	if m == nil {
		return
	}
	m.bindings.Set(float64(n))
}

// SetPending records the number of pending requests per mode.
func (m *Metrics) SetPending(unicast, broadcast int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues("unicast").Set(float64(unicast))
	m.pending.WithLabelValues("broadcast").Set(float64(broadcast))
}

func (m *Metrics) ObserveSweep(res reaper.Result) {
	if m == nil {
		return
	}
	m.reaped.WithLabelValues("source").Add(float64(len(res.SourcesRemoved)))
	m.reaped.WithLabelValues("binding").Add(float64(len(res.BindingsRemoved)))
	m.reaped.WithLabelValues("settled").Add(float64(res.Settled))
	m.reaped.WithLabelValues("failed").Add(float64(res.Failed))
}

// CacheHit, CacheMiss and CacheStore count cache traffic.
func (m *Metrics) CacheHit()   { m.cacheOp("hit") }
func (m *Metrics) CacheMiss()  { m.cacheOp("miss") }
func (m *Metrics) CacheStore() { m.cacheOp("store") }

func (m *Metrics) cacheOp(op string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op).Inc()
}

func (m *Metrics) UpgradeSent() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
}

func (m *Metrics) DeliveryFailed(mode string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(mode).Inc()
}

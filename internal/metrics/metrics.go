package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerpress/peerpress/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// publish/resolve protocol metrics
	publishTotal            *prometheus.CounterVec
	resolveTotal            *prometheus.CounterVec
	securityViolationsTotal *prometheus.CounterVec

	// watch subscription metrics
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	bundleFetchDuration  prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
	sitesTracked         prometheus.Gauge

	// egress safety metrics
	probePollsTotal    prometheus.Counter
	probeFailuresTotal prometheus.Counter
	egressSafe         prometheus.Gauge
	killSwitchFired    prometheus.Gauge

	auditEventsTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointer_publish_total",
			Help: "Total pointer publish attempts by outcome",
		}, []string{"outcome"}),
		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointer_resolve_total",
			Help: "Total pointer resolve attempts by outcome",
		}, []string{"outcome"}),
		securityViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_violations_total",
			Help: "Total security violations by type (signature, sequence, path)",
		}, []string{"type"}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "site_watcher_polls_total",
			Help: "Total number of watcher poll cycles across all tracked sites",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "site_watcher_swaps_total",
			Help: "Total number of successful bundle swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "site_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		bundleFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_fetch_duration_seconds",
			Help:    "Time to fetch and verify a content bundle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "site_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful overlay poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "site_watcher_stale",
			Help: "Whether any tracked site's pointer is older than the staleness threshold (1) or fresh (0)",
		}),
		sitesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sites_tracked",
			Help: "Number of sites with an active watch subscription",
		}),
		probePollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egress_probe_polls_total",
			Help: "Total egress safety probe cycles",
		}),
		probeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egress_probe_failures_total",
			Help: "Total failed egress safety probes (treated as unsafe)",
		}),
		egressSafe: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "egress_safe",
			Help: "Whether egress is currently judged safe (1) or unsafe (0)",
		}),
		killSwitchFired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kill_switch_triggered",
			Help: "Whether the emergency kill switch has fired (1) since last reset",
		}),
		auditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total audit chain events appended, by event type",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.publishTotal,
		m.resolveTotal,
		m.securityViolationsTotal,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.bundleFetchDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
		m.sitesTracked,
		m.probePollsTotal,
		m.probeFailuresTotal,
		m.egressSafe,
		m.killSwitchFired,
		m.auditEventsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncPublish(outcome string) {
	m.publishTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncResolve(outcome string) {
	m.resolveTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncSecurityViolation(vtype string) {
	m.securityViolationsTotal.WithLabelValues(vtype).Inc()
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveBundleFetchDuration(seconds float64) {
	m.bundleFetchDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}

func (m *ServerMetrics) SetSitesTracked(n int) {
	m.sitesTracked.Set(float64(n))
}

func (m *ServerMetrics) IncProbePoll() {
	m.probePollsTotal.Inc()
}

func (m *ServerMetrics) IncProbeFailure() {
	m.probeFailuresTotal.Inc()
}

func (m *ServerMetrics) SetEgressSafe(safe bool) {
	if safe {
		m.egressSafe.Set(1)
	} else {
		m.egressSafe.Set(0)
	}
}

func (m *ServerMetrics) SetKillSwitchFired(fired bool) {
	if fired {
		m.killSwitchFired.Set(1)
	} else {
		m.killSwitchFired.Set(0)
	}
}

func (m *ServerMetrics) IncAuditEvent(event string) {
	m.auditEventsTotal.WithLabelValues(event).Inc()
}

// fire a 5xx SLI counter; called from the middleware on server errors
func (m *ServerMetrics) IncServerError(method, route string) {
	m.errorsTotal.WithLabelValues(method, route).Inc()
}

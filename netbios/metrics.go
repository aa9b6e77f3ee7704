package netbios

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives name service events. A nil Metrics records nothing.
type Metrics interface {
	// ObserveQuery records one resolution attempt of a kind such as
	// "name_query" or "node_status".
	ObserveQuery(kind string, duration time.Duration, err error)

	// RecordCacheLookup records an address cache hit or miss.
	RecordCacheLookup(hit bool)

	// RecordWINSFailover records a switch to the next WINS server.
	RecordWINSFailover()

	// RecordDatagramDropped records a received datagram that matched no
	// pending query, for a reason such as "unknown_trn_id" or "malformed".
	RecordDatagramDropped(reason string)
}

func observeQuery(m Metrics, kind string, start time.Time, err error) {
	if m != nil {
		m.ObserveQuery(kind, time.Since(start), err)
	}
}

func recordCacheLookup(m Metrics, hit bool) {
	if m != nil {
		m.RecordCacheLookup(hit)
	}
}

func recordWINSFailover(m Metrics) {
	if m != nil {
		m.RecordWINSFailover()
	}
}

func recordDatagramDropped(m Metrics, reason string) {
	if m != nil {
		m.RecordDatagramDropped(reason)
	}
}

// prometheusMetrics is the Prometheus implementation of Metrics.
type prometheusMetrics struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	winsFailovers prometheus.Counter
	dropped       *prometheus.CounterVec
}

// NewPrometheusMetrics creates Metrics registered with reg. A nil reg uses
// the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &prometheusMetrics{
		queries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netbios_queries_total",
				Help: "Total number of name service queries by kind and status",
			},
			[]string{"kind", "status"}, // status: "success", "error"
		),
		queryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "netbios_query_duration_milliseconds",
				Help: "Duration of name service queries in milliseconds",
				Buckets: []float64{
					1,    // local answers
					5,    // 5ms
					25,   // 25ms
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
					3000, // one retry timeout
					6000, // two retry timeouts
					15000,
				},
			},
			[]string{"kind"},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netbios_cache_lookups_total",
				Help: "Total number of address cache lookups by result",
			},
			[]string{"result"}, // result: "hit", "miss"
		),
		winsFailovers: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netbios_wins_failovers_total",
				Help: "Total number of switches to an alternate WINS server",
			},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netbios_datagrams_dropped_total",
				Help: "Total number of received datagrams that were discarded",
			},
			[]string{"reason"},
		),
	}
}

func (m *prometheusMetrics) ObserveQuery(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.queries.WithLabelValues(kind, status).Inc()
	m.queryDuration.WithLabelValues(kind).Observe(duration.Seconds() * 1000)
}

func (m *prometheusMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *prometheusMetrics) RecordWINSFailover() {
	if m == nil {
		return
	}
	m.winsFailovers.Inc()
}

func (m *prometheusMetrics) RecordDatagramDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authorization outcomes, one per terminal state of a request.
const (
	OutcomeAuthorized    = "authorized"
	OutcomeAnonymous     = "anonymous"
	OutcomeMissingToken  = "missing_token"
	OutcomeTokenRejected = "token_rejected"
	OutcomeIdentity      = "identity_rejected"
	OutcomeRole          = "role_rejected"
	OutcomeError         = "error"
)

// Refresh outcomes.
const (
	RefreshIssued  = "issued"
	RefreshInvalid = "invalid"
	RefreshStale   = "stale"
	RefreshNoUser  = "identity_unavailable"
	RefreshError   = "error"
)

type Metrics struct {
	registry      *prometheus.Registry
	authorize     *prometheus.CounterVec
	refresh       *prometheus.CounterVec
	issued        prometheus.Counter
	versionBumped *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		authorize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "store_auth",
			Name:      "authorize_total",
			Help:      "Authorization decisions by outcome.",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "store_auth",
			Name:      "refresh_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "store_auth",
			Name:      "token_pairs_issued_total",
			Help:      "Access/refresh token pairs minted.",
		}),
		versionBumped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "store_auth",
			Name:      "token_version_increments_total",
			Help:      "Token version increments by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.authorize,
		m.refresh,
		m.issued,
		m.versionBumped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Authorize(outcome string) {
	if m == nil {
		return
	}
	m.authorize.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PairIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *Metrics) VersionIncremented(reason string) {
	if m == nil {
		return
	}
	m.versionBumped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AuthorizeCount(outcome string) prometheus.Counter {
	return m.authorize.WithLabelValues(outcome)
}

func (m *Metrics) RefreshCount(outcome string) prometheus.Counter {
	return m.refresh.WithLabelValues(outcome)
}

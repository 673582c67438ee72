package metrics

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// RequestObservation carries everything one finished data-plane request
// reports. The api layer fills it from the request context after the
// engine returns.
type RequestObservation struct {
	Op       string
	Model    string // public alias
	Provider string
	Status   int
	Outcome  string
	Stream   bool

	Duration        time.Duration
	TimeToFirstByte time.Duration

	InputTokens    int
	OutputTokens   int
	UsageEstimated bool

	CreditsDebited float64

	// UpstreamErrorKind is the taxonomy kind when the upstream failed,
	// empty otherwise.
	UpstreamErrorKind string
}

// ObserveRequest records all per-request series.
func (m *Metrics) ObserveRequest(o RequestObservation) {
	model := sanitizeModelLabel(o.Model)
	status := strconv.Itoa(o.Status)

	m.requestsTotal.WithLabelValues(o.Op, model, o.Provider, status).Inc()
	if o.Outcome != "" {
		m.requestOutcomes.WithLabelValues(o.Op, model, o.Outcome).Inc()
	}
	if o.Duration > 0 {
		m.requestLatency.WithLabelValues(o.Op, model, o.Provider).Observe(o.Duration.Seconds())
	}
	if o.Stream && o.TimeToFirstByte > 0 {
		m.timeToFirstByte.WithLabelValues(model, o.Provider).Observe(o.TimeToFirstByte.Seconds())
	}
	if o.InputTokens > 0 {
		m.tokensTotal.WithLabelValues(model, o.Provider, "input").Add(float64(o.InputTokens))
	}
	if o.OutputTokens > 0 {
		m.tokensTotal.WithLabelValues(model, o.Provider, "output").Add(float64(o.OutputTokens))
	}
	if o.UsageEstimated {
		m.estimatedUsage.WithLabelValues(model).Inc()
	}
	if o.CreditsDebited > 0 {
		m.creditsDebited.WithLabelValues(model).Add(o.CreditsDebited)
	}
	if o.UpstreamErrorKind != "" {
		m.upstreamErrors.WithLabelValues(o.Provider, o.UpstreamErrorKind).Inc()
	}
}

// RecordRateLimitDenial counts a token-bucket rejection.
func (m *Metrics) RecordRateLimitDenial(model string) {
	m.rateLimitDenials.WithLabelValues(sanitizeModelLabel(model)).Inc()
}

// RecordCreditRejection counts a preflight 402.
func (m *Metrics) RecordCreditRejection(model string) {
	m.creditRejections.WithLabelValues(sanitizeModelLabel(model)).Inc()
}

// RecordAuthFailure counts a credential resolution failure.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// ObserveProbe records the latest probe verdict for an alias.
func (m *Metrics) ObserveProbe(alias string, healthy bool, latency time.Duration) {
	alias = sanitizeModelLabel(alias)
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.probeHealth.WithLabelValues(alias).Set(v)
	m.probeLatency.WithLabelValues(alias).Set(latency.Seconds())
}

// ObserveDBPool snapshots connection pool stats.
func (m *Metrics) ObserveDBPool(stats sql.DBStats) {
	m.dbPoolSize.WithLabelValues("active").Set(float64(stats.InUse))
	m.dbPoolSize.WithLabelValues("idle").Set(float64(stats.Idle))
	m.dbPoolSize.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))
}

// PollDBPool samples pool stats until the context ends. Run it in its
// own goroutine.
func (m *Metrics) PollDBPool(ctx context.Context, db *sql.DB, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ObserveDBPool(db.Stats())
		case <-ctx.Done():
			return
		}
	}
}

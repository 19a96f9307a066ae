package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "esg"

var (
	issuanceMetricsOnce sync.Once
	issuanceRegistry    *IssuanceMetrics

	authorizationMetricsOnce sync.Once
	authorizationRegistry    *AuthorizationMetrics

	verifierMetricsOnce sync.Once
	verifierRegistry    *VerifierMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// IssuanceMetrics tracks budget ledger decisions and commits.
type IssuanceMetrics struct {
	decisions *prometheus.CounterVec
	issued    *prometheus.CounterVec
	records   *prometheus.CounterVec
	halts     *prometheus.CounterVec
}

// Issuance returns the lazily-initialised ledger metrics registry.
func Issuance() *IssuanceMetrics {
	issuanceMetricsOnce.Do(func() {
		issuanceRegistry = &IssuanceMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "decisions_total",
				Help:      "Issuance decisions segmented by decision code.",
			}, []string{"code"}),
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "issued_amount_total",
				Help:      "Token units committed to the issuance log per period.",
			}, []string{"period"}),
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "records_total",
				Help:      "Issuance records appended per period.",
			}, []string{"period"}),
			halts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "period_halts_total",
				Help:      "Periods halted after a bookkeeping breach.",
			}, []string{"period"}),
		}
		prometheus.MustRegister(
			issuanceRegistry.decisions,
			issuanceRegistry.issued,
			issuanceRegistry.records,
			issuanceRegistry.halts,
		)
	})
	return issuanceRegistry
}

// ObserveDecision counts a precheck or commit decision.
func (m *IssuanceMetrics) ObserveDecision(code string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(labelOrUnknown(code)).Inc()
}

// ObserveCommit records a committed issuance.
func (m *IssuanceMetrics) ObserveCommit(period string, amount int64) {
	if m == nil {
		return
	}
	period = labelOrUnknown(period)
	m.records.WithLabelValues(period).Inc()
	if amount > 0 {
		m.issued.WithLabelValues(period).Add(float64(amount))
	}
}

// ObserveHalt counts a period halt.
func (m *IssuanceMetrics) ObserveHalt(period string) {
	if m == nil {
		return
	}
	m.halts.WithLabelValues(labelOrUnknown(period)).Inc()
}

// AuthorizationMetrics tracks threshold approval workflows.
type AuthorizationMetrics struct {
	transitions *prometheus.CounterVec
	approvals   *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
}

// Authorization returns the lazily-initialised authorizer metrics registry.
func Authorization() *AuthorizationMetrics {
	authorizationMetricsOnce.Do(func() {
		authorizationRegistry = &AuthorizationMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authorizer",
				Name:      "transitions_total",
				Help:      "Pending authorization status transitions by role and target status.",
			}, []string{"role", "status"}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authorizer",
				Name:      "approvals_total",
				Help:      "Approval attempts by role and outcome.",
			}, []string{"role", "outcome"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authorizer",
				Name:      "broadcasts_total",
				Help:      "Broadcast attempts of authorized actions by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			authorizationRegistry.transitions,
			authorizationRegistry.approvals,
			authorizationRegistry.broadcasts,
		)
	})
	return authorizationRegistry
}

// ObserveTransition counts a status change.
func (m *AuthorizationMetrics) ObserveTransition(role, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(role), labelOrUnknown(status)).Inc()
}

// ObserveApproval counts an approval attempt.
func (m *AuthorizationMetrics) ObserveApproval(role, outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(labelOrUnknown(role), labelOrUnknown(outcome)).Inc()
}

// ObserveBroadcast counts a broadcast attempt.
func (m *AuthorizationMetrics) ObserveBroadcast(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
}

// VerifierMetrics tracks invariant verification runs.
type VerifierMetrics struct {
	checks     *prometheus.CounterVec
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
	difference *prometheus.GaugeVec
}

// Verifier returns the lazily-initialised verifier metrics registry.
func Verifier() *VerifierMetrics {
	verifierMetricsOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			checks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "checks_total",
				Help:      "Invariant check results by check name and status.",
			}, []string{"check", "status"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "runs_total",
				Help:      "Verification runs by overall outcome.",
			}, []string{"outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for full verification runs.",
				Buckets:   prometheus.DefBuckets,
			}),
			difference: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "conservation_difference",
				Help:      "Signed difference between total supply and tracked balances.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			verifierRegistry.checks,
			verifierRegistry.runs,
			verifierRegistry.duration,
			verifierRegistry.difference,
		)
	})
	return verifierRegistry
}

// ObserveCheck counts a single check result.
func (m *VerifierMetrics) ObserveCheck(check, status string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(labelOrUnknown(check), labelOrUnknown(status)).Inc()
}

// ObserveRun records a full verification run.
func (m *VerifierMetrics) ObserveRun(allPassed, degraded bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "passed"
	switch {
	case degraded:
		outcome = "degraded"
	case !allPassed:
		outcome = "failed"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// SetDifference publishes the latest conservation difference for asset.
func (m *VerifierMetrics) SetDifference(asset string, difference float64) {
	if m == nil {
		return
	}
	m.difference.WithLabelValues(labelOrUnknown(asset)).Set(difference)
}

// OracleMetrics tracks calls against the token network node API.
type OracleMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Oracle returns the lazily-initialised node API metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nodeapi",
				Name:      "calls_total",
				Help:      "Node API calls by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "nodeapi",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for node API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(oracleRegistry.calls, oracleRegistry.latency)
	})
	return oracleRegistry
}

// ObserveCall records a node API call.
func (m *OracleMetrics) ObserveCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	method = labelOrUnknown(method)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

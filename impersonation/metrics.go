package impersonation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StartsTotal counts start attempts by result code ("ok" on success).
	StartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_starts_total",
			Help: "Total number of impersonation start attempts",
		},
		[]string{"result"},
	)

	// EndsTotal counts completed session ends by cause.
	EndsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_ends_total",
			Help: "Total number of impersonation sessions ended",
		},
		[]string{"cause"},
	)

	// ActiveSessions is the number of sessions started and not yet ended by
	// this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "impersonation_active_sessions",
			Help: "Impersonation sessions currently active in this process",
		},
	)

	// SessionDuration tracks how long impersonation sessions last.
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "impersonation_session_duration_seconds",
			Help:    "Duration of impersonation sessions in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	// AuditWriteFailures counts audit appends that failed and blocked a transition.
	AuditWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_audit_write_failures_total",
			Help: "Audit log writes that failed during an impersonation transition",
		},
		[]string{"event_type"},
	)

	// OrphanedStarts counts start entries written for a session that lost the set race.
	OrphanedStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "impersonation_orphaned_starts_total",
			Help: "Start audit entries with no matching session",
		},
	)
)

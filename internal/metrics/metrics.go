// Package metrics provides Prometheus metrics for the lifecycle engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	TransitionsTotal    *prometheus.CounterVec
	VersionConflicts    prometheus.Counter
	LeaseGrantsTotal    prometheus.Counter
	LeaseDenialsTotal   prometheus.Counter
	LeaseReclaimsTotal  prometheus.Counter
	LeasesSweptTotal    prometheus.Counter
	FanoutFailuresTotal *prometheus.CounterVec
	FanoutEventsTotal   *prometheus.CounterVec
}

// New creates and registers all engine metrics on a private registry and
// returns the registry alongside, so tests can construct independent sets.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vellum_transitions_total",
				Help: "Lifecycle transitions by action and result",
			},
			[]string{"action", "result"},
		),
		VersionConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vellum_version_conflicts_total",
				Help: "Stale-version writes rejected by the version guard",
			},
		),
		LeaseGrantsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vellum_lease_grants_total",
				Help: "Edit leases granted, including idempotent re-grants",
			},
		),
		LeaseDenialsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vellum_lease_denials_total",
				Help: "Edit lease requests denied because another holder is active",
			},
		),
		LeaseReclaimsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vellum_lease_reclaims_total",
				Help: "Leases reassigned after exceeding the reclaim TTL",
			},
		),
		LeasesSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vellum_leases_swept_total",
				Help: "Abandoned leases cleared by the background sweeper",
			},
		),
		FanoutFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vellum_fanout_failures_total",
				Help: "Publication fan-out sink failures by sink",
			},
			[]string{"sink"},
		),
		FanoutEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vellum_fanout_events_total",
				Help: "Publication fan-out events by kind",
			},
			[]string{"event"},
		),
	}

	return m, reg
}

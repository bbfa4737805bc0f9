package tm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_events_dispatched_total",
		Help: "Events routed to a crawler's pending buffer",
	}, []string{"crawler"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_events_dropped_total",
		Help: "Inbound events dropped by the dispatcher",
	}, []string{"reason"})

	eventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_events_persisted_total",
		Help: "Events appended to daily event files",
	})

	persistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_persist_errors_total",
		Help: "Failed writes of crawler records or event files",
	}, []string{"kind"})

	rulesUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tm_rules_used",
		Help: "Rules currently allocated per credential",
	}, []string{"credential", "tier"})

	rulesMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tm_rules_max",
		Help: "Rule quota per credential",
	}, []string{"credential", "tier"})

	filesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_files_archived_total",
		Help: "Completed daily event files uploaded to the archive",
	})
)

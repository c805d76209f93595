package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MultiworldMetrics instruments the Session Runtime, Item Router, SRAM
// Differ, and Fan-out Bus (SPEC_FULL §2/§5).
type MultiworldMetrics struct {
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec // label: role (player|spectator)
	EventsAppendedTotal  *prometheus.CounterVec // label: event_type
	ItemRouterRetries    prometheus.Counter
	SRAMUpdatesTotal     *prometheus.CounterVec // label: outcome (checked|skipped|dropped)
	LocationsCheckedTotal prometheus.Counter
	SaveScumEventsTotal  prometheus.Counter
	FanoutDroppedTotal   prometheus.Counter
	FanoutPublishedTotal prometheus.Counter
}

// NewMultiworldMetrics creates and registers the domain-specific metrics.
func NewMultiworldMetrics(namespace string) *MultiworldMetrics {
	return &MultiworldMetrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections_active",
			Help:      "Number of live WebSocket connections",
		}),
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections_total",
			Help:      "Total connections accepted, by role",
		}, []string{"role"}),
		EventsAppendedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "appended_total",
			Help:      "Total events appended to the store, by event type",
		}, []string{"event_type"}),
		ItemRouterRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "to_player_idx_retries_total",
			Help:      "Total to_player_idx allocation retries due to unique constraint conflicts",
		}),
		SRAMUpdatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sram",
			Name:      "updates_total",
			Help:      "Total update_memory messages processed, by outcome",
		}, []string{"outcome"}),
		LocationsCheckedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sram",
			Name:      "locations_checked_total",
			Help:      "Total newly-checked locations decoded by the differ",
		}),
		SaveScumEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sram",
			Name:      "save_scum_total",
			Help:      "Total detected frameTime regressions",
		}),
		FanoutDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscribers_dropped_total",
			Help:      "Total subscribers dropped for being too slow to drain",
		}),
		FanoutPublishedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_published_total",
			Help:      "Total events published to the fan-out bus",
		}),
	}
}

// Package acdmetrics defines all Prometheus metrics for acdprobe. All
// metrics use the "acd_" prefix.
package acdmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "acd"

// --- Probe lifecycle metrics ---

var (
	// ProbesStarted counts probes created, by interface.
	ProbesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_started_total",
		Help:      "Total probes started, by interface.",
	}, []string{"interface"})

	// ProbeOutcomes counts probes by terminal/transitional outcome.
	ProbeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_outcomes_total",
		Help:      "Total probe outcomes, by kind (ready, used, defended, conflict).",
	}, []string{"interface", "outcome"})

	// ProbesActive is a gauge of probes currently running on a Context.
	ProbesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "probes_active",
		Help:      "Number of probes currently active, by interface.",
	}, []string{"interface"})
)

// --- Transmission metrics ---

var (
	// FramesSent counts ARP frames transmitted, by purpose.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Total ARP frames sent, by purpose (probe, announce, defend).",
	}, []string{"interface", "purpose"})

	// FramesDropped counts send-time packet drops.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Total ARP frames dropped at send time, by interface.",
	}, []string{"interface"})
)

// --- Context/filter metrics ---

var (
	// ContextsDown counts contexts that transitioned to Down.
	ContextsDown = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contexts_down_total",
		Help:      "Total contexts that went down, by interface.",
	}, []string{"interface"})

	// FilterMapGrowths counts kernel filter map resizes.
	FilterMapGrowths = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filter_map_growths_total",
		Help:      "Total kernel filter map growth events, by interface.",
	}, []string{"interface"})
)

// --- Event bus metrics ---

var (
	// EventsPublished counts events published to the acdevents bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by type.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped because the bus intake
	// buffer was full.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped because the event bus buffer was full.",
	})
)

// Package metrics holds the daemon's prometheus collectors. They register on
// the default registry and are served by the metrics mux in internal/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabaccess_transitions_total",
		Help: "Accepted state transitions per resource and cause.",
	}, []string{"resource", "cause"})

	Denials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabaccess_denials_total",
		Help: "Requests rejected by the permission check.",
	}, []string{"resource"})

	ActuatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabaccess_actuator_failures_total",
		Help: "Failed actuator apply/verify rounds per adapter.",
	}, []string{"adapter"})

	SubscriberEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabaccess_subscriber_evictions_total",
		Help: "Subscribers dropped for not keeping up with their buffer.",
	}, []string{"resource"})

	MailboxOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabaccess_mailbox_overflows_total",
		Help: "Commands rejected because a state machine mailbox was full.",
	}, []string{"resource"})

	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabaccess_subscribers",
		Help: "Live subscribers per resource.",
	}, []string{"resource"})
)

package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts command and session activity.
type Metrics struct {
	CommandsTotal        *prometheus.CounterVec
	RegistrationAttempts prometheus.Counter
	RegistrationFailures prometheus.Counter
	CallsPlaced          prometheus.Counter
	CallsIncoming        prometheus.Counter
	CallsEnded           prometheus.Counter
}

// NewMetrics creates and registers the router metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "commands_total",
			Help:      "Commands received, by command name.",
		}, []string{"command"}),
		RegistrationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "registration_attempts_total",
			Help:      "Registration attempts started.",
		}),
		RegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "registration_failures_total",
			Help:      "Registrations that ended in the failed state.",
		}),
		CallsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "calls_placed_total",
			Help:      "Outbound calls placed.",
		}),
		CallsIncoming: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "calls_incoming_total",
			Help:      "Inbound calls announced.",
		}),
		CallsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hardline",
			Name:      "calls_ended_total",
			Help:      "Calls that reached the ended state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CommandsTotal,
			m.RegistrationAttempts,
			m.RegistrationFailures,
			m.CallsPlaced,
			m.CallsIncoming,
			m.CallsEnded,
		)
	}
	return m
}

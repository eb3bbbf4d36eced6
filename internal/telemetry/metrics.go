package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollPasses         = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_poll_passes_total", Help: "Completed reconcile passes"})
	PollFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_poll_failures_total", Help: "Reconcile passes aborted by a fetch failure"})
	Transitions        = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_transitions_total", Help: "Entity transitions performed"})
	RemindersSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_reminders_sent_total", Help: "Reminder sends that reached the transport"})
	RemindersDeduped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_reminders_deduped_total", Help: "Reminder sends skipped by dedupe/grace"})
	RemindersOptedOut  = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_reminders_opted_out_total", Help: "Direct reminders skipped by recipient opt-out"})
	RemindersFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_reminders_failed_total", Help: "Reminder sends that failed at the transport"})
	DeferredActions    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "muster_deferred_actions", Help: "In-flight deferred transition timers"})
	SupervisorRestarts = prometheus.NewCounter(prometheus.CounterOpts{Name: "muster_supervisor_restarts_total", Help: "Supervised task restarts"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollPasses,
			PollFailures,
			Transitions,
			RemindersSent,
			RemindersDeduped,
			RemindersOptedOut,
			RemindersFailed,
			DeferredActions,
			SupervisorRestarts,
		)
	})
	return promhttp.Handler()
}

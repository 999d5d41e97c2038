package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics instruments the durable action pipeline.
type PipelineMetrics struct {
	transitions    *prometheus.CounterVec
	sendLatency    *prometheus.HistogramVec
	nonceConflicts prometheus.Counter
	bumps          prometheus.Counter
	dlq            *prometheus.CounterVec
}

// WebhookMetrics instruments the provider webhook ingress.
type WebhookMetrics struct {
	received    *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	replays     *prometheus.CounterVec
}

// AccrualMetrics instruments the hourly accrual job.
type AccrualMetrics struct {
	runs      prometheus.Counter
	evaluated prometheus.Counter
	skipped   prometheus.Counter
	charged   prometheus.Counter
}

// ReconMetrics instruments the scheduled integrity jobs.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	incidents *prometheus.CounterVec
}

var (
	pipelineOnce sync.Once
	pipelineReg  *PipelineMetrics

	webhookOnce sync.Once
	webhookReg  *WebhookMetrics

	accrualOnce sync.Once
	accrualReg  *AccrualMetrics

	reconOnce sync.Once
	reconReg  *ReconMetrics
)

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineReg = &PipelineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "pipeline",
				Name:      "action_transitions_total",
				Help:      "Chain action state transitions segmented by action type and target state.",
			}, []string{"type", "state"}),
			sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loanbridge",
				Subsystem: "pipeline",
				Name:      "send_duration_seconds",
				Help:      "Latency of chain sender submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			nonceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "pipeline",
				Name:      "nonce_conflicts_total",
				Help:      "Nonce conflicts detected by the failure classifier.",
			}),
			bumps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "pipeline",
				Name:      "fee_bumps_total",
				Help:      "Replace-by-fee bumps issued for stuck transactions.",
			}),
			dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "pipeline",
				Name:      "dlq_total",
				Help:      "Actions dead-lettered, segmented by action type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			pipelineReg.transitions,
			pipelineReg.sendLatency,
			pipelineReg.nonceConflicts,
			pipelineReg.bumps,
			pipelineReg.dlq,
		)
	})
	return pipelineReg
}

// ObserveTransition records a state transition for an action type.
func (m *PipelineMetrics) ObserveTransition(actionType, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(actionType, state).Inc()
}

// ObserveSend records submission latency for an action type.
func (m *PipelineMetrics) ObserveSend(actionType string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(actionType).Observe(d.Seconds())
}

// RecordNonceConflict bumps the nonce conflict counter.
func (m *PipelineMetrics) RecordNonceConflict() {
	if m == nil {
		return
	}
	m.nonceConflicts.Inc()
}

// RecordBump counts one replace-by-fee submission.
func (m *PipelineMetrics) RecordBump() {
	if m == nil {
		return
	}
	m.bumps.Inc()
}

// RecordDLQ counts one dead-lettered action.
func (m *PipelineMetrics) RecordDLQ(actionType string) {
	if m == nil {
		return
	}
	m.dlq.WithLabelValues(actionType).Inc()
}

// Webhook returns the lazily-initialised webhook metrics registry.
func Webhook() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookReg = &WebhookMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Webhook deliveries segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "webhook",
				Name:      "dead_letters_total",
				Help:      "Webhook deliveries dead-lettered, segmented by reason.",
			}, []string{"endpoint", "reason"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "webhook",
				Name:      "replays_total",
				Help:      "Webhook deliveries rejected by the (source, nonce) replay gate.",
			}, []string{"endpoint"}),
		}
		prometheus.MustRegister(webhookReg.received, webhookReg.deadLetters, webhookReg.replays)
	})
	return webhookReg
}

// RecordReceived counts a webhook delivery outcome.
func (m *WebhookMetrics) RecordReceived(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(endpoint, outcome).Inc()
}

// RecordDeadLetter counts a dead-lettered delivery.
func (m *WebhookMetrics) RecordDeadLetter(endpoint, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(endpoint, reason).Inc()
}

// RecordReplay counts a replayed delivery.
func (m *WebhookMetrics) RecordReplay(endpoint string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(endpoint).Inc()
}

// Accrual returns the lazily-initialised accrual metrics registry.
func Accrual() *AccrualMetrics {
	accrualOnce.Do(func() {
		accrualReg = &AccrualMetrics{
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "accrual",
				Name:      "runs_total",
				Help:      "Completed hourly accrual runs.",
			}),
			evaluated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "accrual",
				Name:      "entries_evaluated_total",
				Help:      "Installment entries evaluated by the accrual job.",
			}),
			skipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "accrual",
				Name:      "entries_skipped_total",
				Help:      "Entries skipped because a snapshot already existed for the hour.",
			}),
			charged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "accrual",
				Name:      "penalties_charged_total",
				Help:      "Entries that accrued a non-zero penalty delta.",
			}),
		}
		prometheus.MustRegister(accrualReg.runs, accrualReg.evaluated, accrualReg.skipped, accrualReg.charged)
	})
	return accrualReg
}

// RecordRun counts one accrual run with its per-entry outcomes.
func (m *AccrualMetrics) RecordRun(evaluated, skipped, charged int) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.evaluated.Add(float64(evaluated))
	m.skipped.Add(float64(skipped))
	m.charged.Add(float64(charged))
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconOnce.Do(func() {
		reconReg = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Integrity job runs segmented by job kind and outcome.",
			}, []string{"kind", "outcome"}),
			incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanbridge",
				Subsystem: "recon",
				Name:      "incidents_total",
				Help:      "Incidents raised by the integrity jobs, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(reconReg.runs, reconReg.incidents)
	})
	return reconReg
}

// RecordRun counts one integrity job run.
func (m *ReconMetrics) RecordRun(kind, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
}

// RecordIncident counts one raised incident.
func (m *ReconMetrics) RecordIncident(incidentType string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(incidentType).Inc()
}

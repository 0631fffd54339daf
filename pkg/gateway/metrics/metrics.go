// Package metrics exports Prometheus counters for the practice engine. It
// implements orchestrator.Observer so the engine stays free of metrics
// imports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec

	turnsStarted   prometheus.Counter
	turnsCompleted *prometheus.CounterVec

	feedbackEmitted  *prometheus.CounterVec
	feedbackFailures prometheus.Counter

	speechStarted  prometheus.Counter
	speechFinished *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicecoach_active_sessions",
			Help: "Currently open practice sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecoach_sessions_opened_total",
			Help: "Practice sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecoach_sessions_closed_total",
			Help: "Practice sessions closed, by reason.",
		}, []string{"reason"}),
		turnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecoach_turns_started_total",
			Help: "Turns started.",
		}),
		turnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecoach_turns_completed_total",
			Help: "Turns completed, by cancellation.",
		}, []string{"cancelled"}),
		feedbackEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecoach_feedback_emitted_total",
			Help: "Feedback publications, by batching reason.",
		}, []string{"reason"}),
		feedbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecoach_feedback_failures_total",
			Help: "Feedback generations that failed.",
		}),
		speechStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecoach_speech_started_total",
			Help: "Speech synthesis operations started.",
		}),
		speechFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecoach_speech_finished_total",
			Help: "Speech synthesis operations finished, by outcome.",
		}, []string{"failed"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsOpened,
		m.sessionsClosed,
		m.turnsStarted,
		m.turnsCompleted,
		m.feedbackEmitted,
		m.feedbackFailures,
		m.speechStarted,
		m.speechFinished,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) TurnStarted() { m.turnsStarted.Inc() }

func (m *Metrics) TurnCompleted(cancelled bool) {
	m.turnsCompleted.WithLabelValues(boolLabel(cancelled)).Inc()
}

func (m *Metrics) FeedbackEmitted(reason string, batchSize int) {
	m.feedbackEmitted.WithLabelValues(reason).Add(float64(batchSize))
}

func (m *Metrics) FeedbackFailed() { m.feedbackFailures.Inc() }

func (m *Metrics) SpeechStarted() { m.speechStarted.Inc() }

func (m *Metrics) SpeechFinished(failed bool) {
	m.speechFinished.WithLabelValues(boolLabel(failed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Package metrics exposes Prometheus counters for the sweeper and live chat.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	sweepResultOK    = "ok"
	sweepResultError = "error"
)

// Collector records service metrics on a Prometheus registry.
type Collector struct {
	sweeps          *prometheus.CounterVec
	storiesExpired  prometheus.Counter
	chatMessages    *prometheus.CounterVec
	chatPruned      prometheus.Counter
	chatConnections prometheus.Gauge
}

// NewCollector builds the collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowkey_sweeps_total",
			Help: "Expiry sweeps by result.",
		}, []string{"result"}),
		storiesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowkey_stories_expired_total",
			Help: "Stories deactivated by the sweeper.",
		}),
		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowkey_chat_messages_total",
			Help: "Chat messages persisted by submission channel.",
		}, []string{"channel"}),
		chatPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowkey_chat_pruned_total",
			Help: "Live chat subscribers dropped after a failed delivery.",
		}),
		chatConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowkey_chat_connections",
			Help: "Open live chat connections.",
		}),
	}

	reg.MustRegister(
		c.sweeps,
		c.storiesExpired,
		c.chatMessages,
		c.chatPruned,
		c.chatConnections,
	)

	return c
}

// RecordSweep counts one sweep pass and the stories it expired.
func (c *Collector) RecordSweep(expired int64, err error) {
	if err != nil {
		c.sweeps.WithLabelValues(sweepResultError).Inc()
		return
	}
	c.sweeps.WithLabelValues(sweepResultOK).Inc()
	if expired > 0 {
		c.storiesExpired.Add(float64(expired))
	}
}

// RecordMessage counts a persisted chat message.
func (c *Collector) RecordMessage(channel string) {
	c.chatMessages.WithLabelValues(channel).Inc()
}

// RecordPruned counts a dropped subscriber.
func (c *Collector) RecordPruned() {
	c.chatPruned.Inc()
}

// ConnectionOpened increments the live connection gauge.
func (c *Collector) ConnectionOpened() {
	c.chatConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (c *Collector) ConnectionClosed() {
	c.chatConnections.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

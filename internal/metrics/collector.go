package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BridgeStats provides the metrics collector access to live bridge state.
type BridgeStats interface {
	ActiveSessionCount() int
	SSESubscriberCount() int
	BufferedFrames() int
	PendingDeliveries() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats BridgeStats

	// Descriptors for scrape-time gauges.
	activeSessions    *prometheus.Desc
	sseSubscribers    *prometheus.Desc
	bufferedFrames    *prometheus.Desc
	pendingDeliveries *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil if no bridge is running (metrics will report 0).
func NewCollector(stats BridgeStats) *Collector {
	return &Collector{
		stats: stats,
		activeSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_sessions"),
			"Current number of in-progress streaming sessions.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		bufferedFrames: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "audio_frames_buffered"),
			"Audio frames currently buffered across all sessions.",
			nil, nil,
		),
		pendingDeliveries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deliveries_pending"),
			"Transcripts currently queued for backend delivery.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.sseSubscribers
	ch <- c.bufferedFrames
	ch <- c.pendingDeliveries
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.bufferedFrames, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.pendingDeliveries, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(c.stats.ActiveSessionCount()))
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(c.stats.SSESubscriberCount()))
	ch <- prometheus.MustNewConstMetric(c.bufferedFrames, prometheus.GaugeValue, float64(c.stats.BufferedFrames()))
	ch <- prometheus.MustNewConstMetric(c.pendingDeliveries, prometheus.GaugeValue, float64(c.stats.PendingDeliveries()))
}

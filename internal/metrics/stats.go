package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkeep-io/switchboard/internal/broker"
)

// StatsCollector exports the broker's point-in-time levels. It calls the
// stats function once per scrape, so every gauge in a scrape comes from the
// same snapshot and always agrees with broker.Stats: a connection whose
// last write failed stops counting as active right away, not when it is
// reaped.
type StatsCollector struct {
	stats func() broker.Stats

	activeConnections *prometheus.Desc
	activeChannels    *prometheus.Desc
	connectedUsers    *prometheus.Desc
	monitorRunning    *prometheus.Desc
}

// NewStatsCollector creates and registers a StatsCollector reading from
// stats, normally (*broker.Broker).Stats.
func NewStatsCollector(reg prometheus.Registerer, stats func() broker.Stats) *StatsCollector {
	const subsystem = "broker"
	c := &StatsCollector{
		stats: stats,
		activeConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_connections"),
			"Number of registered connections that are still writable.",
			nil, nil,
		),
		activeChannels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_channels"),
			"Number of channels with at least one subscriber.",
			nil, nil,
		),
		connectedUsers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "connected_users"),
			"Number of distinct users with at least one connection.",
			nil, nil,
		),
		monitorRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "monitor_running"),
			"1 while the health monitor is scheduled.",
			nil, nil,
		),
	}
	reg.MustRegister(c)
	return c
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnections
	ch <- c.activeChannels
	ch <- c.connectedUsers
	ch <- c.monitorRunning
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	running := 0.0
	if s.MonitorRunning {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.activeChannels, prometheus.GaugeValue, float64(s.ActiveChannels))
	ch <- prometheus.MustNewConstMetric(c.connectedUsers, prometheus.GaugeValue, float64(s.ConnectedUsers))
	ch <- prometheus.MustNewConstMetric(c.monitorRunning, prometheus.GaugeValue, running)
}

// Package metrics holds the Prometheus collectors exported by an alarm node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of collectors updated by the node loop.
type Metrics struct {
	Level           prometheus.Gauge
	Actuator        prometheus.Gauge
	Readings        *prometheus.GaugeVec
	StaleReadings   *prometheus.CounterVec
	LevelChanges    *prometheus.CounterVec
	Engagements     prometheus.Counter
	ActuatorErrors  prometheus.Counter
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	QueueLength     prometheus.Gauge
	QueueDropped    prometheus.Counter
	Connected       prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	PeersOnline     prometheus.Gauge
	PeerReports     prometheus.Counter
	CycleSeconds    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// Registration panics on duplicates, so each registry gets one Metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Level: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarm_level",
			Help: "Current alarm level (0 normal, 1 warning, 2 alarm).",
		}),
		Actuator: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarm_actuator_engaged",
			Help: "1 while the actuator is engaged.",
		}),
		Readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alarm_sensor_raw",
			Help: "Last raw reading per channel.",
		}, []string{"channel"}),
		StaleReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarm_sensor_stale_total",
			Help: "Readings substituted after a failed sensor read.",
		}, []string{"channel"}),
		LevelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarm_level_changes_total",
			Help: "Alarm level transitions by new level.",
		}, []string{"level"}),
		Engagements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_actuator_engagements_total",
			Help: "Times the actuator was engaged.",
		}),
		ActuatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_actuator_errors_total",
			Help: "Failed actuator writes; each is retried on the next cycle.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_published_total",
			Help: "Messages written to the collector.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_publish_failures_total",
			Help: "Publishes that failed and dropped the connection.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarm_queue_length",
			Help: "Messages waiting for the collector connection.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_queue_dropped_total",
			Help: "Messages lost to queue overflow or failed sends.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarm_collector_connected",
			Help: "1 while the collector session is connected.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarm_connect_attempts_total",
			Help: "Collector connection attempts by result.",
		}, []string{"result"}),
		PeersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alarm_peers_online",
			Help: "Peers currently marked online by the coordinator.",
		}),
		PeerReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarm_peer_reports_total",
			Help: "Reports received from peers.",
		}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alarm_cycle_seconds",
			Help:    "Duration of one node loop cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		m.Level, m.Actuator, m.Readings, m.StaleReadings, m.LevelChanges,
		m.Engagements, m.ActuatorErrors, m.Published, m.PublishFailures, m.QueueLength,
		m.QueueDropped, m.Connected, m.ConnectAttempts, m.PeersOnline,
		m.PeerReports, m.CycleSeconds,
	)
	return m
}

// SetBool sets g to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

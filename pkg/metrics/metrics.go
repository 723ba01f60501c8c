package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control-plane metrics
	ClustersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterforge_clusters_total",
			Help: "Number of clusters by state",
		},
		[]string{"state"},
	)

	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_lifecycle_ops_total",
			Help: "Total number of completed lifecycle operations by op",
		},
		[]string{"op"},
	)

	// Health metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_restarts_total",
			Help: "Total number of health-driven restarts",
		},
	)

	CooldownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_cooldowns_total",
			Help: "Total number of clusters that exhausted restart attempts",
		},
	)

	// Alert metrics
	AlertsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_alerts_opened_total",
			Help: "Total number of alerts opened by severity",
		},
		[]string{"severity"},
	)

	// Metrics engine
	SamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_metrics_samples_total",
			Help: "Total number of resource samples taken",
		},
	)

	PushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_metrics_pushes_total",
			Help: "Total number of metric snapshots pushed to subscribers",
		},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_backups_total",
			Help: "Total number of backup runs by result",
		},
		[]string{"result"},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_restores_total",
			Help: "Total number of restore runs by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClustersByState)
	prometheus.MustRegister(LifecycleOps)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(CooldownsTotal)
	prometheus.MustRegister(AlertsOpenedTotal)
	prometheus.MustRegister(SamplesTotal)
	prometheus.MustRegister(PushesTotal)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(RestoresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

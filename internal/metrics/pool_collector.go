package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"certdepot/internal/supervisor"
)

var (
	workersDesiredDesc  = prometheus.NewDesc("depot_workers_desired", "Configured number of worker processes", nil, nil)
	workersLiveDesc     = prometheus.NewDesc("depot_workers_live", "Worker processes currently alive", nil, nil)
	workersSpawnedDesc  = prometheus.NewDesc("depot_workers_spawned_total", "Worker processes started since the server came up", nil, nil)
	workersReapedDesc   = prometheus.NewDesc("depot_workers_reaped_total", "Worker processes collected after they died", nil, nil)
	lifelineWakeupsDesc = prometheus.NewDesc("depot_lifeline_wakeups_total", "Bytes workers wrote to their lifelines", nil, nil)
	uptimeDesc          = prometheus.NewDesc("depot_supervisor_uptime_seconds", "Seconds since the supervisor started", nil, nil)
)

// StatusProvider reports the state of a worker pool.
type StatusProvider interface {
	Status() supervisor.Status
}

type poolCollector struct {
	pool StatusProvider
	now  func() time.Time
}

// NewPoolCollector returns a Prometheus collector for a supervised worker pool.
func NewPoolCollector(pool StatusProvider) prometheus.Collector {
	return &poolCollector{pool: pool, now: time.Now}
}

func (collector *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- workersDesiredDesc
	ch <- workersLiveDesc
	ch <- workersSpawnedDesc
	ch <- workersReapedDesc
	ch <- lifelineWakeupsDesc
	ch <- uptimeDesc
}

func (collector *poolCollector) Collect(ch chan<- prometheus.Metric) {
	status := collector.pool.Status()
	ch <- prometheus.MustNewConstMetric(workersDesiredDesc, prometheus.GaugeValue, float64(status.ProcessCount))
	ch <- prometheus.MustNewConstMetric(workersLiveDesc, prometheus.GaugeValue, float64(len(status.Workers)))
	ch <- prometheus.MustNewConstMetric(workersSpawnedDesc, prometheus.CounterValue, float64(status.Spawned))
	ch <- prometheus.MustNewConstMetric(workersReapedDesc, prometheus.CounterValue, float64(status.Reaped))
	ch <- prometheus.MustNewConstMetric(lifelineWakeupsDesc, prometheus.CounterValue, float64(status.Wakeups))

	uptime := 0.0
	if !status.StartedAt.IsZero() {
		uptime = collector.now().Sub(status.StartedAt).Seconds()
	}
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, uptime)
}

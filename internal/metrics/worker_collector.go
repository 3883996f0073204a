package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDSource reports the PID of the current worker, if any.
type PIDSource func() (int, bool)

// WorkerCollector exports CPU and memory usage of the current worker at scrape time.
type WorkerCollector struct {
	source  PIDSource
	logger  *slog.Logger
	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	up      *prometheus.Desc
}

func NewWorkerCollector(source PIDSource, l *slog.Logger) *WorkerCollector {
	if l == nil {
		l = slog.Default()
	}
	name := func(n string) string { return prometheus.BuildFQName(namespace, "worker", n) }
	return &WorkerCollector{
		source:  source,
		logger:  l,
		cpu:     prometheus.NewDesc(name("cpu_percent"), "Worker CPU usage percent.", []string{"pid"}, nil),
		rss:     prometheus.NewDesc(name("memory_rss_bytes"), "Worker resident memory.", []string{"pid"}, nil),
		threads: prometheus.NewDesc(name("threads"), "Worker thread count.", []string{"pid"}, nil),
		up:      prometheus.NewDesc(name("up"), "1 when a worker is recorded and inspectable.", nil, nil),
	}
}

func (c *WorkerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	ch <- c.up
}

func (c *WorkerCollector) Collect(ch chan<- prometheus.Metric) {
	pid, ok := c.source()
	if !ok {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		c.logger.Debug("inspect worker", "pid", pid, "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	label := strconv.Itoa(pid)
	if v, err := p.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, v, label)
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mi.RSS), label)
	}
	if n, err := p.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), label)
	}
}

package workers

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/process"
)

// SubscriberCounter is the part of the hub the heartbeat reports on.
type SubscriberCounter interface {
	Subscribers() int
}

type Stats struct {
	RSS         uint64
	CPUPercent  float64
	Status      string
	Goroutines  int
	Subscribers int
}

// HeartbeatWorker samples the relay process every interval and exports
// the figures as gauges next to the hub metrics.
type HeartbeatWorker struct {
	log        *slog.Logger
	interval   time.Duration
	hub        SubscriberCounter
	rss        prometheus.Gauge
	cpu        prometheus.Gauge
	goroutines prometheus.Gauge
}

func NewHeartbeatWorker(log *slog.Logger, interval time.Duration, hub SubscriberCounter, reg prometheus.Registerer) *HeartbeatWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &HeartbeatWorker{
		log:      log,
		interval: interval,
		hub:      hub,
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_rss_bytes",
			Help: "Resident memory of the relay process.",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_cpu_percent",
			Help: "CPU usage of the relay process.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_goroutines",
			Help: "Live goroutines in the relay process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(w.rss, w.cpu, w.goroutines)
	}
	return w
}

// Run reports until ctx ends.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting relay heartbeat worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := w.Beat(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			w.log.Debug("Heartbeat",
				"rss", humanize.IBytes(stats.RSS),
				"cpu", stats.CPUPercent,
				"status", stats.Status,
				"goroutines", stats.Goroutines,
				"subscribers", stats.Subscribers)
		}
	}
}

// Beat takes one sample and updates the gauges.
func (w *HeartbeatWorker) Beat(p *process.Process) (Stats, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return Stats{}, err
	}
	status, err := p.Status()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		RSS:        memInfo.RSS,
		CPUPercent: cpuPercent,
		Status:     status,
		Goroutines: runtime.NumGoroutine(),
	}
	if w.hub != nil {
		stats.Subscribers = w.hub.Subscribers()
	}
	w.rss.Set(float64(stats.RSS))
	w.cpu.Set(stats.CPUPercent)
	w.goroutines.Set(float64(stats.Goroutines))
	return stats, nil
}

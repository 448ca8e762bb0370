package workers

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/process"
	"github.com/stretchr/testify/require"
)

type fixedSubscribers int

func (f fixedSubscribers) Subscribers() int { return int(f) }

func TestHeartbeatWorker_Beat(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()
	w := NewHeartbeatWorker(logs.GetLoggerFromLevel(slog.LevelDebug), time.Second, fixedSubscribers(3), reg)
	p, err := process.NewProcess(int32(os.Getpid()))
	req.NoError(err)

	stats, err := w.Beat(p)

	req.NoError(err)
	req.Equal(3, stats.Subscribers)
	req.Positive(stats.RSS)
	req.Positive(stats.Goroutines)
	req.Equal(float64(stats.RSS), testutil.ToFloat64(w.rss))
	req.Equal(float64(stats.Goroutines), testutil.ToFloat64(w.goroutines))
}

func TestHeartbeatWorker_RunStopsWithContext(t *testing.T) {
	req := require.New(t)
	w := NewHeartbeatWorker(slog.Default(), 10*time.Millisecond, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req.NoError(w.Run(ctx))
	req.Positive(testutil.ToFloat64(w.rss))
}

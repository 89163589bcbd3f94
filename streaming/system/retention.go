package system

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/streamhouse/streamhouse/streaming/streams"
)

var (
	metricRetentionSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "retention_sweeps_total",
		Help:      "Retention sweeps performed.",
	})
	metricRetentionReclaimedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "retention_reclaimed_bytes_total",
		Help:      "Bytes reclaimed by deleting expired segments.",
	})
	metricRetentionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamhouse",
		Name:      "retention_sweep_duration_seconds",
		Help:      "Duration of retention sweeps.",
		Buckets:   prometheus.ExponentialBuckets(.01, 4, 6),
	})
)

// NewRetentionService returns the background sweeper that deletes closed,
// expired segments on a timer.
func (s *System) NewRetentionService() services.Service {
	interval := s.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return services.NewTimerService(interval, nil, s.sweepRetention, nil)
}

func (s *System) sweepRetention(ctx context.Context) error {
	start := time.Now()
	defer func() { metricRetentionDuration.Observe(time.Since(start).Seconds()) }()
	metricRetentionSweeps.Inc()

	now := time.Now()
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, stream := range s.Streams() {
		stream := stream
		g.Go(func() error {
			reclaimed, err := stream.DeleteExpiredSegments(now, s.cfg.MessageExpiry)
			if reclaimed > 0 {
				metricRetentionReclaimedBytes.Add(float64(reclaimed))
				level.Info(s.logger).Log("msg", "retention reclaimed bytes", "stream", stream.ID, "bytes", reclaimed)
			}
			if err != nil {
				level.Error(s.logger).Log("msg", "retention sweep failed", "stream", stream.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// SweepRetentionNow runs one retention pass synchronously.
func (s *System) SweepRetentionNow(now time.Time) {
	for _, stream := range s.Streams() {
		s.sweepStream(stream, now)
	}
}

func (s *System) sweepStream(stream *streams.Stream, now time.Time) {
	reclaimed, err := stream.DeleteExpiredSegments(now, s.cfg.MessageExpiry)
	if reclaimed > 0 {
		metricRetentionReclaimedBytes.Add(float64(reclaimed))
	}
	if err != nil {
		level.Error(s.logger).Log("msg", "retention sweep failed", "stream", stream.ID, "err", err)
	}
}

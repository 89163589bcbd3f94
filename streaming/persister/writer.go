package persister

import (
	"context"
	"flag"
	"net"
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricWrittenBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "persister_written_bytes_total",
		Help:      "Total bytes written by log writer tasks.",
	})
	metricWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "persister_write_failures_total",
		Help:      "Total write attempts that failed, including retried ones.",
	})
)

// WriterConfig controls the per-file writer task.
type WriterConfig struct {
	Fsync           bool          `yaml:"fsync"`
	Retries         int           `yaml:"retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *WriterConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Fsync, prefix+".fsync", false, "Sync the log file after every write.")
	f.IntVar(&c.Retries, prefix+".retries", 3, "Write retry attempts before giving up.")
	f.DurationVar(&c.RetryDelay, prefix+".retry-delay", 100*time.Millisecond, "Fixed delay between write retries.")
	f.IntVar(&c.QueueSize, prefix+".queue-size", 128, "Pending write requests per log file.")
	f.DurationVar(&c.ShutdownTimeout, prefix+".shutdown-timeout", 5*time.Second, "How long to wait for a writer task to drain on shutdown.")
}

type writeRequest struct {
	bufs [][]byte
	done chan error
}

// Writer is the background task that owns one log file handle. All writes to
// the file go through Persist; no other goroutine may touch the handle. The
// atomic size counter is the only channel by which readers observe growth.
type Writer struct {
	path   string
	file   *os.File
	cfg    WriterConfig
	logger kitlog.Logger

	size     *atomic.Uint64
	requests chan writeRequest
	stopped  chan struct{}
	closing  sync.Once
}

// NewWriter opens (or creates) the log file at path and starts the writer
// task. size is seeded with the current file length.
func NewWriter(path string, cfg WriterConfig, logger kitlog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	w := &Writer{
		path:     path,
		file:     f,
		cfg:      cfg,
		logger:   kitlog.With(logger, "component", "log-writer", "path", path),
		size:     atomic.NewUint64(uint64(info.Size())),
		requests: make(chan writeRequest, cfg.QueueSize),
		stopped:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Size returns the authoritative log length without a stat call.
func (w *Writer) Size() uint64 { return w.size.Load() }

// Persist hands bufs to the writer task and waits for the write (and fsync,
// when enabled) to complete.
func (w *Writer) Persist(ctx context.Context, bufs ...[]byte) error {
	req := writeRequest{bufs: bufs, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the queue, issues a final fsync and joins the task. After
// the configured timeout a warning is logged and the caller proceeds;
// unflushed data may be lost in that case. Calling Shutdown again is safe.
func (w *Writer) Shutdown(ctx context.Context) {
	w.closing.Do(func() { close(w.requests) })

	timeout := w.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-w.stopped:
	case <-time.After(timeout):
		level.Warn(w.logger).Log("msg", "log writer did not stop in time, proceeding; unflushed data may be lost")
	case <-ctx.Done():
		level.Warn(w.logger).Log("msg", "shutdown cancelled before log writer stopped")
	}
}

func (w *Writer) run() {
	defer close(w.stopped)

	for req := range w.requests {
		req.done <- w.write(req.bufs)
	}

	if err := w.file.Sync(); err != nil {
		level.Error(w.logger).Log("msg", "final sync failed", "err", err)
	}
	if err := w.file.Close(); err != nil {
		level.Error(w.logger).Log("msg", "closing log file failed", "err", err)
	}
}

// write performs one vectored write of the request's buffers, then syncs
// when configured. Write errors are retried with a fixed delay; sync errors
// are surfaced verbatim and never retried, since a failed fsync can mean the
// data is already gone.
func (w *Writer) write(bufs [][]byte) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	var lastErr error
	attempts := w.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		buffers := make(net.Buffers, len(bufs))
		for i, b := range bufs {
			buffers[i] = b
		}
		_, err := buffers.WriteTo(w.file)
		if err != nil {
			metricWriteFailures.Inc()
			lastErr = err
			level.Warn(w.logger).Log("msg", "log write failed", "attempt", attempt, "err", err)
			time.Sleep(w.cfg.RetryDelay)
			continue
		}

		if w.cfg.Fsync {
			if err := w.file.Sync(); err != nil {
				metricWriteFailures.Inc()
				return err
			}
		}

		w.size.Add(uint64(total))
		metricWrittenBytes.Add(float64(total))
		return nil
	}
	return lastErr
}

// Package watchdog notices when aggregate progress stops moving, which
// usually means a worker is stuck inside the kernel.
package watchdog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is how often progress is sampled.
const DefaultInterval = time.Second

// Config configures a Watchdog.
type Config struct {
	// Sample returns the current aggregate progress.
	Sample func() uint64

	// Timeout is how long progress may stand still before it is a stall.
	Timeout time.Duration

	Interval time.Duration

	// OnStall is called once per stall, after the warning is logged.
	OnStall func(gap time.Duration)

	Logger *slog.Logger

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Watchdog samples progress and reports stalls.
type Watchdog struct {
	sample   func() uint64
	timeout  time.Duration
	interval time.Duration
	onStall  func(time.Duration)
	log      *slog.Logger
	clock    clock.Clock

	maxStall atomic.Int64
	stalls   atomic.Int64
}

// New returns a watchdog for cfg.
func New(cfg Config) *Watchdog {
	w := &Watchdog{
		sample:   cfg.Sample,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		onStall:  cfg.OnStall,
		log:      cfg.Logger,
		clock:    cfg.Clock,
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	return w
}

// Run samples until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	last := w.sample()
	lastChange := w.clock.Now()
	reported := false

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := w.sample()
			if cur != last {
				last = cur
				lastChange = now
				reported = false
				continue
			}

			gap := now.Sub(lastChange)
			if int64(gap) > w.maxStall.Load() {
				w.maxStall.Store(int64(gap))
			}
			if w.timeout > 0 && gap >= w.timeout && !reported {
				reported = true
				w.stalls.Add(1)
				w.log.Warn("no progress", "stalled_for", gap, "bogo_ops", cur)
				if w.onStall != nil {
					w.onStall(gap)
				}
			}
		}
	}
}

// MaxStall returns the longest time progress stood still.
func (w *Watchdog) MaxStall() time.Duration {
	return time.Duration(w.maxStall.Load())
}

// Stalls returns how many stalls were reported.
func (w *Watchdog) Stalls() int {
	return int(w.stalls.Load())
}

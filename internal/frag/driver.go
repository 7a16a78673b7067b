// Package frag fragments a file by writing single-byte probes at
// block-aligned offsets and punching holes at unaligned ones. Mixing the
// two keeps the filesystem from merging extents, so the extent count and
// the load on the extent-map query path stay high.
package frag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	// BlockAlign is the alignment of write probes, so that repeated
	// probes land on distinct blocks.
	BlockAlign = 8192

	// PunchLength is the size of every punched hole.
	PunchLength = 8192

	// DefaultPause brackets each punch to let the deallocation settle
	// before the next write probe.
	DefaultPause = time.Millisecond

	// DefaultReportInterval throttles progress log lines.
	DefaultReportInterval = 10 * time.Second
)

// File is the target being fragmented.
type File interface {
	Seek(offset int64, whence int) (int64, error)
	Write(p []byte) (int, error)
	PunchHole(offset, length int64) error
}

// Counter is the driver's own progress slot.
type Counter interface {
	Inc()
}

// Config configures a Driver.
type Config struct {
	File   File
	Length int64

	// Slot counts completed driver iterations.
	Slot Counter

	// Total returns the aggregate progress of all query workers.
	Total func() uint64

	// Keep is the stop condition, given the latest aggregate.
	Keep func(total uint64) bool

	// Seed seeds the offset generator; 0 picks a random seed.
	Seed uint64

	Pause          time.Duration
	ReportInterval time.Duration
	Logger         *slog.Logger
}

// Stats summarizes a driver run.
type Stats struct {
	Iterations    uint64
	Writes        uint64
	WriteRetries  uint64
	Punches       uint64
	PunchErrors   uint64
	PunchDisabled bool
	TotalTime     time.Duration
}

// Driver runs the write/punch loop.
type Driver struct {
	file   File
	length int64
	slot   Counter
	total  func() uint64
	keep   func(uint64) bool
	rnd    *rand.Rand
	probe  [1]byte
	pause  time.Duration
	log    *slog.Logger
	report rate.Sometimes

	punch        atomic.Bool
	iterations   atomic.Uint64
	writes       atomic.Uint64
	writeRetries atomic.Uint64
	punches      atomic.Uint64
	punchErrors  atomic.Uint64
}

// NewDriver creates a driver for cfg. Length must be at least 2.
func NewDriver(cfg Config) *Driver {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	d := &Driver{
		file:   cfg.File,
		length: cfg.Length,
		slot:   cfg.Slot,
		total:  cfg.Total,
		keep:   cfg.Keep,
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pause:  cfg.Pause,
		log:    cfg.Logger,
	}
	if d.total == nil {
		d.total = func() uint64 { return 0 }
	}
	if d.keep == nil {
		d.keep = func(uint64) bool { return true }
	}
	if d.pause <= 0 {
		d.pause = DefaultPause
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	d.report = rate.Sometimes{Interval: interval}
	d.probe[0] = byte(d.rnd.Uint32())
	d.punch.Store(true)
	return d
}

// Stats returns a snapshot of the driver's counters. It is safe to call
// while Run is in progress.
func (d *Driver) Stats() Stats {
	return Stats{
		Iterations:    d.iterations.Load(),
		Writes:        d.writes.Load(),
		WriteRetries:  d.writeRetries.Load(),
		Punches:       d.punches.Load(),
		PunchErrors:   d.punchErrors.Load(),
		PunchDisabled: !d.punch.Load(),
	}
}

// PunchEnabled reports whether hole punching is still being attempted.
func (d *Driver) PunchEnabled() bool { return d.punch.Load() }

// proceed recomputes the aggregate and evaluates the stop condition.
func (d *Driver) proceed(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	total := d.total()
	d.report.Do(func() {
		d.log.Info("progress", "bogo_ops", total, "iterations", d.iterations.Load(), "punching", d.punch.Load())
	})
	return d.keep(total)
}

// Run fragments the file until the stop condition is met. Reaching the
// stop condition is a clean stop, not an error.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	finish := func(err error) (Stats, error) {
		st := d.Stats()
		st.TotalTime = time.Since(start)
		return st, err
	}

	if d.length < 2 {
		return finish(fmt.Errorf("working length %d too small", d.length))
	}
	span := uint64(d.length - 1)

	for {
		off := d.rnd.Uint64N(span) &^ (BlockAlign - 1)
		if _, err := d.file.Seek(int64(off), io.SeekStart); err != nil {
			return finish(fmt.Errorf("failed to seek to %d: %w", off, err))
		}
		if !d.proceed(ctx) {
			return finish(nil)
		}

		if _, err := d.file.Write(d.probe[:]); err != nil {
			switch {
			case errors.Is(err, unix.ENOSPC):
				d.writeRetries.Add(1)
				continue
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				d.writeRetries.Add(1)
			default:
				return finish(fmt.Errorf("write probe at %d: %w", off, err))
			}
		} else {
			d.writes.Add(1)
		}
		if !d.proceed(ctx) {
			return finish(nil)
		}

		if d.punch.Load() {
			time.Sleep(d.pause)
			off = d.rnd.Uint64N(span)
			if err := d.file.PunchHole(int64(off), PunchLength); err != nil {
				switch {
				case errors.Is(err, unix.ENOSPC):
					continue
				case errors.Is(err, unix.EOPNOTSUPP):
					d.punch.Store(false)
					d.log.Info("hole punching not supported, continuing with write probes only")
				default:
					d.punchErrors.Add(1)
				}
			} else {
				d.punches.Add(1)
			}
			time.Sleep(d.pause)
		}

		d.iterations.Add(1)
		if d.slot != nil {
			d.slot.Inc()
		}
		if !d.proceed(ctx) {
			return finish(nil)
		}
	}
}

package benchmark

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradfitz/extentstress/internal/fiemap"
	"github.com/bradfitz/extentstress/internal/frag"
	"github.com/bradfitz/extentstress/internal/target"
)

type iterations struct{ n atomic.Uint64 }

func (c *iterations) Inc() { c.n.Add(1) }

// fragmented returns a target file punched full of holes by rounds driver
// iterations.
func fragmented(b *testing.B, size int64, rounds uint64) *target.File {
	b.Helper()
	tf, err := target.Create(b.TempDir(), 0, size)
	if err != nil {
		b.Fatalf("failed to create target: %v", err)
	}
	b.Cleanup(func() { tf.Close() })

	if err := fiemap.Probe(tf.Fd()); err != nil {
		b.Skipf("FS_IOC_FIEMAP unavailable: %v", err)
	}

	var done iterations
	d := frag.NewDriver(frag.Config{
		File:   tf,
		Length: size,
		Slot:   &done,
		Total:  func() uint64 { return 0 },
		Keep:   func(uint64) bool { return done.n.Load() < rounds },
		Seed:   1,
		Pause:  time.Nanosecond,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if _, err := d.Run(context.Background()); err != nil {
		b.Fatalf("failed to fragment target: %v", err)
	}
	return tf
}

func benchmarkCycle(b *testing.B, rounds uint64) {
	tf := fragmented(b, 64<<20, rounds)
	q := fiemap.NewQuery()

	n, err := q.Cycle(tf.Fd())
	if err != nil {
		b.Fatalf("cycle failed: %v", err)
	}

	var maxPause time.Duration
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if _, err := q.Cycle(tf.Fd()); err != nil {
			b.Fatalf("cycle failed: %v", err)
		}
		if d := time.Since(start); d > maxPause {
			maxPause = d
		}
	}
	b.StopTimer()

	b.ReportMetric(float64(n), "extents")
	b.ReportMetric(float64(maxPause.Microseconds()), "max-µs")
}

func BenchmarkCycleSparse(b *testing.B)     { benchmarkCycle(b, 16) }
func BenchmarkCycleFragmented(b *testing.B) { benchmarkCycle(b, 4096) }

// BenchmarkCycleUnderFragmentation measures queries racing a live driver.
func BenchmarkCycleUnderFragmentation(b *testing.B) {
	tf := fragmented(b, 64<<20, 256)

	ctx, cancel := context.WithCancel(context.Background())
	var done iterations
	d := frag.NewDriver(frag.Config{
		File:   tf,
		Length: tf.Length(),
		Slot:   &done,
		Total:  func() uint64 { return 0 },
		Keep:   func(uint64) bool { return true },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	q := fiemap.NewQuery()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.Cycle(tf.Fd()); err != nil {
			b.Fatalf("cycle failed: %v", err)
		}
	}
	b.StopTimer()
	b.ReportMetric(float64(done.n.Load()), "driver-iterations")
}

package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/fiemap"
	"github.com/bradfitz/extentstress/internal/metrics"
)

// envFakeWorker swaps the real query loop for a stand-in, so the
// supervisor can be tested on filesystems without FS_IOC_FIEMAP.
const envFakeWorker = "SUPERVISOR_TEST_FAKE_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(envFakeWorker) {
	case "spin":
		os.Exit(spinWorker())
	case "fail":
		fmt.Fprintln(os.Stderr, "extent query failed: populate extents: ioctl FS_IOC_FIEMAP failed, errno=5 (input/output error)")
		os.Exit(int(StatusFailure))
	}
	MaybeRunWorker()
	os.Exit(m.Run())
}

// spinWorker bumps its slot until it is killed.
func spinWorker() int {
	slot, _ := strconv.Atoi(os.Getenv(envSlot))
	ctrs, err := openCounters(slot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(StatusNoResource)
	}
	s := ctrs.Slot(slot)
	for {
		s.Inc()
		time.Sleep(50 * time.Microsecond)
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorkers returns a WorkerCommand running kind[slot], or "spin" for
// slots not named.
func fakeWorkers(kind map[int]string) func(int) (*exec.Cmd, error) {
	return func(slot int) (*exec.Cmd, error) {
		k, ok := kind[slot]
		if !ok {
			k = "spin"
		}
		if k == "error" {
			return nil, unix.EAGAIN
		}
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(), envFakeWorker+"="+k)
		return cmd, nil
	}
}

func supported(uintptr) error { return nil }

func assertCleanedUp(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp directory left behind")
}

func TestWorst(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusSuccess, StatusSuccess, StatusSuccess},
		{StatusSuccess, StatusNotImplemented, StatusNotImplemented},
		{StatusNotImplemented, StatusNoResource, StatusNoResource},
		{StatusFailure, StatusNoResource, StatusFailure},
		{StatusNoResource, StatusFailure, StatusFailure},
		{StatusFailure, StatusSuccess, StatusFailure},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v+%v", tt.a, tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, Worst(tt.a, tt.b))
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusNoResource, statusFor(fmt.Errorf("failed to size target file: %w", unix.ENOSPC)))
	assert.Equal(t, StatusFailure, statusFor(fmt.Errorf("failed to open: %w", unix.EACCES)))
}

func TestNotImplementedSpawnsNothing(t *testing.T) {
	dir := t.TempDir()
	var spawned atomic.Int32
	s := New(Config{
		TempPath: dir,
		Bytes:    1 << 20,
		Logger:   quiet(),
		WorkerCommand: func(int) (*exec.Cmd, error) {
			spawned.Add(1)
			return nil, unix.EAGAIN
		},
		probe: func(uintptr) error { return unix.EOPNOTSUPP },
	})

	res := s.Run(context.Background())
	assert.Equal(t, StatusNotImplemented, res.Status)
	assert.Zero(t, spawned.Load())
	assert.Zero(t, res.Workers)
	assert.Equal(t, StateDeinit, s.State())
	assertCleanedUp(t, dir)
}

func TestStopsAtOpBudget(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	s := New(Config{
		TempPath:      dir,
		Bytes:         4 << 20,
		Workers:       4,
		MaxOps:        2000,
		Logger:        quiet(),
		Metrics:       m,
		WorkerOutput:  io.Discard,
		WorkerCommand: fakeWorkers(nil),
		probe:         supported,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := s.Run(ctx)

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 4, res.Workers)
	assert.Zero(t, res.WorkerFailures)
	assert.GreaterOrEqual(t, res.Ops, uint64(2000))
	assert.NoError(t, ctx.Err(), "run should end on the op budget, not the deadline")
	assertCleanedUp(t, dir)
}

func TestWorkerFailureFailsRun(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		TempPath:      dir,
		Bytes:         2 << 20,
		Workers:       3,
		Logger:        quiet(),
		WorkerOutput:  io.Discard,
		WorkerCommand: fakeWorkers(map[int]string{1: "fail"}),
		probe:         supported,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res := s.Run(ctx)

	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 3, res.Workers)
	assert.Equal(t, 1, res.WorkerFailures)
	assert.Greater(t, res.Ops, uint64(0), "surviving workers keep running")
	assertCleanedUp(t, dir)
}

func TestPartialSpawn(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		TempPath:      dir,
		Bytes:         2 << 20,
		Workers:       4,
		MaxOps:        500,
		Logger:        quiet(),
		WorkerOutput:  io.Discard,
		WorkerCommand: fakeWorkers(map[int]string{2: "error", 3: "spin"}),
		probe:         supported,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := s.Run(ctx)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Workers, "spawning stops at the first failure")
	assert.GreaterOrEqual(t, res.Ops, uint64(500))
	assertCleanedUp(t, dir)
}

func TestNoWorkersStarted(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		TempPath:      dir,
		Bytes:         1 << 20,
		Workers:       2,
		Logger:        quiet(),
		WorkerCommand: fakeWorkers(map[int]string{0: "error", 1: "error"}),
		probe:         supported,
	})

	res := s.Run(context.Background())
	assert.Equal(t, StatusNoResource, res.Status)
	assert.Zero(t, res.Workers)
	assertCleanedUp(t, dir)
}

func TestAllWorkersExitedStopsDriver(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	s := New(Config{
		TempPath:      dir,
		Bytes:         1 << 20,
		Workers:       2,
		Logger:        slog.New(slog.NewTextHandler(&logs, nil)),
		WorkerOutput:  io.Discard,
		WorkerCommand: fakeWorkers(map[int]string{0: "fail", 1: "fail"}),
		probe:         supported,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := s.Run(ctx)

	assert.NoError(t, ctx.Err())
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 2, res.WorkerFailures)
	assert.Equal(t, 2, strings.Count(logs.String(), "query worker exited early"), logs.String())
	assertCleanedUp(t, dir)
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real query workers")
	}
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "probe")
	require.NoError(t, err)
	probeErr := fiemap.Probe(f.Fd())
	f.Close()
	os.Remove(f.Name())
	if probeErr != nil {
		t.Skipf("FS_IOC_FIEMAP unavailable in %s: %v", dir, probeErr)
	}

	s := New(Config{
		TempPath:     dir,
		Bytes:        64 << 20,
		Workers:      4,
		MaxOps:       200,
		SyncEvery:    fiemap.DefaultSyncEvery,
		Logger:       quiet(),
		WorkerOutput: io.Discard,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res := s.Run(ctx)

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 4, res.Workers)
	assert.Zero(t, res.WorkerFailures)
	assert.GreaterOrEqual(t, res.Ops, uint64(200))
	assert.Greater(t, res.Driver.Iterations, uint64(0))
	assertCleanedUp(t, dir)
}

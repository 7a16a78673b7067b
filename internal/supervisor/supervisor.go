// Package supervisor runs one stressor instance: it creates the target
// file, starts the query workers, drives fragmentation until the stop
// condition, then kills and reaps everything it started.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bradfitz/extentstress/internal/counters"
	"github.com/bradfitz/extentstress/internal/fiemap"
	"github.com/bradfitz/extentstress/internal/frag"
	"github.com/bradfitz/extentstress/internal/metrics"
	"github.com/bradfitz/extentstress/internal/proc"
	"github.com/bradfitz/extentstress/internal/target"
	"github.com/bradfitz/extentstress/internal/watchdog"
)

const (
	DefaultWorkers      = 4
	DefaultStallTimeout = 30 * time.Second

	sampleInterval = time.Second
)

// State is the lifecycle phase of a run.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateDeinit
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDeinit:
		return "deinit"
	}
	return "unknown"
}

// Config configures one instance.
type Config struct {
	Instance  int
	Instances int

	// TempPath is where the per-instance temp directory is created.
	TempPath string

	// Bytes is the total file size requested across all instances.
	Bytes uint64

	Workers int

	// MaxOps stops the run once the query workers have completed this many
	// cycles between them; 0 means no limit.
	MaxOps uint64

	SyncEvery    int
	StallTimeout time.Duration

	// Seed seeds the driver's offsets; 0 picks one at random.
	Seed uint64

	ReportInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// WorkerOutput receives the workers' stderr. Defaults to os.Stderr.
	WorkerOutput io.Writer

	// WorkerCommand builds the command run for the worker in slot. The
	// default re-executes the current binary, which must call
	// MaybeRunWorker first thing in main.
	WorkerCommand func(slot int) (*exec.Cmd, error)

	// probe checks the capability during init; tests replace it.
	probe func(fd uintptr) error
}

// Result describes a finished run.
type Result struct {
	Status Status
	Err    error

	// Ops is the bogo-op count: query cycles completed by all workers.
	Ops uint64

	Driver         frag.Stats
	Workers        int
	WorkerFailures int
	Stalls         int
	MaxStall       time.Duration
	Elapsed        time.Duration
}

// Supervisor runs one instance.
type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32
}

// New returns a supervisor for cfg, filling in defaults.
func New(cfg Config) *Supervisor {
	if cfg.Instances < 1 {
		cfg.Instances = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Bytes == 0 {
		cfg.Bytes = target.DefaultBytes
	}
	if cfg.TempPath == "" {
		cfg.TempPath = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerOutput == nil {
		cfg.WorkerOutput = os.Stderr
	}
	if cfg.WorkerCommand == nil {
		cfg.WorkerCommand = selfCommand
	}
	if cfg.probe == nil {
		cfg.probe = fiemap.Probe
	}
	return &Supervisor{
		cfg: cfg,
		log: cfg.Logger.With("instance", cfg.Instance),
	}
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("state", "state", st)
}

// Run executes the instance until ctx is done, the op budget is spent, or
// every worker has exited. Everything started is torn down before it
// returns.
func (s *Supervisor) Run(ctx context.Context) *Result {
	start := time.Now()
	res := &Result{}
	cfg := s.cfg

	s.setState(StateInit)
	length := target.WorkingLength(cfg.Bytes, cfg.Instances)
	s.reportFilesystem(length)

	ctrs, err := counters.New(cfg.Workers + 1)
	if err != nil {
		s.log.Error("failed to set up shared counters", "err", err)
		res.Status = StatusNoResource
		res.Err = err
		return res
	}

	var (
		tf       *target.File
		children []*proc.Child
	)
	defer func() {
		s.setState(StateDeinit)
		s.reap(children, res)
		res.Ops = ctrs.Sum(cfg.Workers)
		if tf != nil {
			if err := tf.Close(); err != nil {
				s.log.Warn("failed to remove target file", "err", err)
			}
		}
		if err := ctrs.Close(); err != nil {
			s.log.Warn("failed to unmap counters", "err", err)
		}
		res.Elapsed = time.Since(start)
		s.summarize(res)
	}()

	tf, err = target.Create(cfg.TempPath, cfg.Instance, int64(length))
	if err != nil {
		s.log.Error("failed to create target file", "err", err)
		res.Status = statusFor(err)
		res.Err = err
		return res
	}
	s.log.Debug("target file ready", "dir", tf.Dir(), "size", humanize.IBytes(length), "block_size", tf.BlockSize())

	if err := cfg.probe(tf.Fd()); err != nil {
		if cfg.Instance == 0 {
			s.log.Info("FS_IOC_FIEMAP not supported on the file system, skipping stressor", "err", err)
		}
		res.Status = StatusNotImplemented
		return res
	}

	s.setState(StateRunning)

	bogo := func() uint64 { return ctrs.Sum(cfg.Workers) }
	keep := func(total uint64) bool {
		if ctx.Err() != nil {
			return false
		}
		return cfg.MaxOps == 0 || total < cfg.MaxOps
	}

	for slot := 0; slot < cfg.Workers; slot++ {
		if !keep(bogo()) {
			break
		}
		c, err := s.spawn(slot, tf, ctrs)
		if err != nil {
			s.log.Warn("failed to start query worker, continuing with fewer", "slot", slot, "started", len(children), "err", err)
			break
		}
		children = append(children, c)
	}
	res.Workers = len(children)
	if len(children) == 0 && keep(bogo()) {
		s.log.Error("no query workers could be started")
		res.Status = StatusNoResource
		return res
	}
	s.log.Debug("query workers started", "workers", len(children))

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	d := frag.NewDriver(frag.Config{
		File:   tf,
		Length: int64(length),
		Slot:   ctrs.Slot(cfg.Workers),
		Total:  bogo,
		// With every worker gone there is nothing left to query the file.
		Keep: func(total uint64) bool {
			return keep(total) && alive(children) > 0
		},
		Seed:           cfg.Seed,
		ReportInterval: cfg.ReportInterval,
		Logger:         s.log,
	})

	for slot, c := range children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchExit(runCtx, slot, c)
		}()
	}

	if cfg.StallTimeout > 0 {
		w := watchdog.New(watchdog.Config{
			Sample:  bogo,
			Timeout: cfg.StallTimeout,
			OnStall: func(time.Duration) {
				cfg.Metrics.IncStalls(cfg.Instance)
				s.logStuck(children)
			},
			Logger: s.log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
			res.Stalls = w.Stalls()
			res.MaxStall = w.MaxStall()
		}()
	}

	if cfg.Metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sample(runCtx, ctrs, d, children)
		}()
	}

	st, err := d.Run(ctx)
	res.Driver = st
	if err != nil {
		s.log.Error("fragmentation driver failed", "err", err)
		res.Status = StatusFailure
		res.Err = err
	}
	if n := alive(children); n == 0 && keep(bogo()) {
		s.log.Warn("all query workers exited early")
	}
	return res
}

func alive(children []*proc.Child) int {
	n := 0
	for _, c := range children {
		if !c.Exited() {
			n++
		}
	}
	return n
}

// watchExit logs a worker that exits while the run is still going.
func (s *Supervisor) watchExit(ctx context.Context, slot int, c *proc.Child) {
	select {
	case <-ctx.Done():
		// Workers are only killed after ctx ends, so one already gone
		// exited by itself.
		if !c.Exited() {
			return
		}
	case <-c.Done():
	}
	state, err := c.Wait()
	if err != nil || state == nil {
		s.log.Warn("query worker exited early", "slot", slot, "pid", c.Pid(), "err", err)
		return
	}
	s.log.Warn("query worker exited early", "slot", slot, "pid", c.Pid(), "exit_status", state.ExitCode())
}

// reap kills and waits for every worker in spawn order. A worker that was
// killed finished normally; one that exited on its own with a non-zero
// status failed, and fails the run.
func (s *Supervisor) reap(children []*proc.Child, res *Result) {
	s.logStuck(children)
	if err := proc.KillAll(children); err != nil {
		s.log.Warn("failed to reap query workers", "err", err)
	}
	for slot, c := range children {
		state, err := c.Wait()
		if err != nil || state == nil || proc.Killed(state) || state.ExitCode() == 0 {
			continue
		}
		res.WorkerFailures++
		s.cfg.Metrics.IncFailures(s.cfg.Instance)
		s.log.Error("query worker failed", "slot", slot, "pid", c.Pid(), "exit_status", state.ExitCode())
	}
	if res.WorkerFailures > 0 {
		res.Status = Worst(res.Status, StatusFailure)
	}
}

// logStuck names workers sleeping uninterruptibly, which is how a hang
// inside the filesystem shows up.
func (s *Supervisor) logStuck(children []*proc.Child) {
	for slot, c := range children {
		if c.Exited() {
			continue
		}
		info, err := proc.GetProcessInfo(c.Pid())
		if err != nil {
			continue
		}
		if info.Stuck() {
			s.log.Warn("query worker in uninterruptible sleep", "slot", slot, "pid", c.Pid(), "comm", info.Comm)
		}
	}
}

func (s *Supervisor) reportFilesystem(length uint64) {
	u, err := target.Usage(s.cfg.TempPath)
	if err != nil {
		s.log.Debug("failed to stat temp path", "path", s.cfg.TempPath, "err", err)
		return
	}
	s.log.Debug("temp path", "path", s.cfg.TempPath, "fstype", u.Fstype, "free", humanize.IBytes(u.Free))
	if u.Free < length {
		s.log.Warn("temp path has less free space than the target file size",
			"path", s.cfg.TempPath, "free", humanize.IBytes(u.Free), "size", humanize.IBytes(length))
	}
}

func (s *Supervisor) sample(ctx context.Context, ctrs *counters.Counters, d *frag.Driver, children []*proc.Child) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	m := s.cfg.Metrics
	for {
		for i := 0; i < ctrs.Len(); i++ {
			m.ObserveSlot(s.cfg.Instance, i, ctrs.Load(i))
		}
		m.ObserveDriver(s.cfg.Instance, d.Stats())
		m.SetWorkersAlive(s.cfg.Instance, alive(children))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) summarize(res *Result) {
	secs := res.Elapsed.Seconds()
	rate := 0.0
	if secs > 0 {
		rate = float64(res.Ops) / secs
	}
	s.log.Info("run complete",
		"status", res.Status,
		"bogo_ops", res.Ops,
		"ops_per_sec", humanize.FtoaWithDigits(rate, 2),
		"workers", res.Workers,
		"worker_failures", res.WorkerFailures,
		"iterations", res.Driver.Iterations,
		"punches", res.Driver.Punches,
		"punch_disabled", res.Driver.PunchDisabled,
		"stalls", res.Stalls,
		"elapsed", res.Elapsed.Round(time.Millisecond))
}

func selfCommand(int) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	return exec.Command(exe), nil
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/bradfitz/extentstress/internal/counters"
	"github.com/bradfitz/extentstress/internal/fiemap"
	"github.com/bradfitz/extentstress/internal/proc"
	"github.com/bradfitz/extentstress/internal/target"
)

// Environment handed to a query worker. The target file arrives as fd 3
// and the shared counters as fd 4.
const (
	EnvRole = "EXTENTSTRESS_ROLE"

	envSlot      = "EXTENTSTRESS_SLOT"
	envInstance  = "EXTENTSTRESS_INSTANCE"
	envMaxOps    = "EXTENTSTRESS_MAX_OPS"
	envSyncEvery = "EXTENTSTRESS_SYNC_EVERY"
	envLogLevel  = "EXTENTSTRESS_WORKER_LOG_LEVEL"

	RoleQueryWorker = "query-worker"

	targetFD   = 3
	countersFD = 4
)

func (s *Supervisor) spawn(slot int, tf *target.File, ctrs *counters.Counters) (*proc.Child, error) {
	cmd, err := s.cfg.WorkerCommand(slot)
	if err != nil {
		return nil, err
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	level := slog.LevelInfo
	if s.log.Enabled(context.Background(), slog.LevelDebug) {
		level = slog.LevelDebug
	}
	cmd.Env = append(cmd.Env,
		EnvRole+"="+RoleQueryWorker,
		envSlot+"="+strconv.Itoa(slot),
		envInstance+"="+strconv.Itoa(s.cfg.Instance),
		envMaxOps+"="+strconv.FormatUint(s.cfg.MaxOps, 10),
		envSyncEvery+"="+strconv.Itoa(s.cfg.SyncEvery),
		envLogLevel+"="+level.String(),
	)
	cmd.ExtraFiles = []*os.File{tf.OSFile(), ctrs.File()}
	cmd.Stderr = s.cfg.WorkerOutput

	c, err := proc.Start(cmd)
	if err != nil {
		return nil, err
	}
	s.log.Debug("query worker started", "slot", slot, "pid", c.Pid())
	return c, nil
}

// MaybeRunWorker runs the query worker and exits if this process was
// started as one. Otherwise it returns immediately. Binaries that run a
// Supervisor with the default WorkerCommand call it first in main.
func MaybeRunWorker() {
	if os.Getenv(EnvRole) != RoleQueryWorker {
		return
	}
	os.Exit(int(runWorker()))
}

func runWorker() Status {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv(envLogLevel))); err != nil {
		level = slog.LevelInfo
	}
	slot, _ := strconv.Atoi(os.Getenv(envSlot))
	instance, _ := strconv.Atoi(os.Getenv(envInstance))
	maxOps, _ := strconv.ParseUint(os.Getenv(envMaxOps), 10, 64)
	syncEvery, err := strconv.Atoi(os.Getenv(envSyncEvery))
	if err != nil {
		syncEvery = fiemap.DefaultSyncEvery
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("instance", instance, "worker", slot, "pid", os.Getpid())

	ctrs, err := openCounters(slot)
	if err != nil {
		log.Error("failed to attach shared counters", "err", err)
		return StatusNoResource
	}
	defer ctrs.Close()

	tf, err := target.Inherit(os.NewFile(targetFD, "target"))
	if err != nil {
		log.Error("failed to attach target file", "err", err)
		return StatusFailure
	}
	defer tf.Close()

	workers := ctrs.Len() - 1
	ppid := os.Getppid()
	loop := fiemap.NewLoop(fiemap.LoopConfig{
		FD:        tf.Fd(),
		Counter:   ctrs.Slot(slot),
		Report:    instance == 0 && slot == 0,
		SyncEvery: syncEvery,
		Sync:      tf.Sync,
		Keep: func() bool {
			if os.Getppid() != ppid {
				return false
			}
			return maxOps == 0 || ctrs.Sum(workers) < maxOps
		},
		Logger: log,
	})

	err = loop.Run()
	switch {
	case err == nil, errors.Is(err, fiemap.ErrNotSupported):
		return StatusSuccess
	default:
		log.Error("extent query failed", "err", err)
		return StatusFailure
	}
}

func openCounters(slot int) (*counters.Counters, error) {
	cf := os.NewFile(countersFD, "counters")
	if cf == nil {
		return nil, fmt.Errorf("counters descriptor missing")
	}
	ctrs, err := counters.Open(cf)
	if err != nil {
		cf.Close()
		return nil, err
	}
	if slot < 0 || slot >= ctrs.Len()-1 {
		ctrs.Close()
		return nil, fmt.Errorf("worker slot %d out of range", slot)
	}
	return ctrs, nil
}

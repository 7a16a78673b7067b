package fiemap

import (
	"log/slog"
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/syserr"
)

// DefaultSyncEvery is how many cycles pass between fdatasync calls.
const DefaultSyncEvery = 128

// Counter is incremented once per completed query cycle.
type Counter interface {
	Inc()
}

// LoopConfig configures a query Loop.
type LoopConfig struct {
	FD      uintptr
	Counter Counter

	// Report makes this loop the one that logs a missing FS_IOC_FIEMAP,
	// so a fleet of workers does not repeat the message.
	Report bool

	// Keep is the stop condition, checked between calls.
	Keep func() bool

	// SyncEvery flushes the file every SyncEvery cycles; 0 disables.
	SyncEvery int

	// Sync flushes the file. Defaults to fdatasync on FD.
	Sync func() error

	Logger *slog.Logger
}

// Loop repeatedly queries the extent map of one file.
type Loop struct {
	fd        uintptr
	counter   Counter
	report    bool
	keep      func() bool
	syncEvery int
	sync      func() error
	log       *slog.Logger
	query     *Query
}

// NewLoop returns a loop for cfg.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		fd:        cfg.FD,
		counter:   cfg.Counter,
		report:    cfg.Report,
		keep:      cfg.Keep,
		syncEvery: cfg.SyncEvery,
		sync:      cfg.Sync,
		log:       cfg.Logger,
		query:     NewQuery(),
	}
	if l.keep == nil {
		l.keep = func() bool { return true }
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.sync == nil {
		l.sync = func() error {
			return syserr.New("fdatasync", unix.Fdatasync(int(l.fd)))
		}
	}
	return l
}

// Run queries until the stop condition is met or a call fails. It returns
// nil on a clean stop, ErrNotSupported if the filesystem has no extent
// mapping, and the failing call's error otherwise.
func (l *Loop) Run() error {
	c := 0
	if l.syncEvery > 0 {
		c = rand.IntN(l.syncEvery)
	}
	for {
		n, err := l.query.Discover(l.fd)
		if err != nil {
			if IsNotSupported(err) {
				if l.report {
					l.log.Info("FS_IOC_FIEMAP not supported on the file system, skipping stressor")
				}
				return ErrNotSupported
			}
			return err
		}
		if !l.keep() {
			l.query.Release()
			return nil
		}

		_, err = l.query.Populate(l.fd, n)
		l.query.Release()
		if err != nil {
			return err
		}
		l.counter.Inc()

		if l.syncEvery > 0 {
			c++
			if c >= l.syncEvery {
				c = 0
				if err := l.sync(); err != nil {
					l.log.Warn("flush failed", "err", err)
				}
			}
		}
		if !l.keep() {
			return nil
		}
	}
}

// Failure reports whether err returned by Run is a real failure rather
// than a clean stop or a missing capability.
func Failure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotSupported)
}

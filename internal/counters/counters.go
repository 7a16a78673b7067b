// Package counters provides progress counters shared between the
// supervisor and its worker processes.
//
// The counters live in a memfd mapped MAP_SHARED. Workers are separate
// processes that inherit the memfd and map it again, so every process
// sees the same memory. Each slot has exactly one writer and is never
// protected by a lock: reads from other processes may be stale, and the
// sum of all slots is approximate. Loads and stores are aligned word-sized
// atomics, so a slot is never observed torn.
package counters

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/syserr"
)

const slotSize = 8

// ErrNoResource is returned when the shared memory cannot be set up.
var ErrNoResource = errors.New("cannot allocate shared counters")

// Counters is a fixed-size array of independently owned 64-bit counters.
type Counters struct {
	file  *os.File
	mem   mmap.MMap
	slots []uint64
}

// New allocates n zeroed counters in fresh shared memory.
func New(n int) (*Counters, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid counter count %d", n)
	}
	fd, err := unix.MemfdCreate("extentstress-counters", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResource, syserr.New("memfd_create", err))
	}
	f := os.NewFile(uintptr(fd), "extentstress-counters")
	if err := f.Truncate(int64(n * slotSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrNoResource, syserr.New("ftruncate", err))
	}
	c, err := Open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Open maps counters previously created by New, typically from a
// descriptor inherited by a worker process. The slot count is taken from
// the size of f. Counters takes ownership of f.
func Open(f *os.File) (*Counters, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResource, err)
	}
	n := int(fi.Size() / slotSize)
	if n < 1 {
		return nil, fmt.Errorf("%w: counter file has %d bytes", ErrNoResource, fi.Size())
	}
	mem, err := mmap.MapRegion(f, n*slotSize, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResource, syserr.New("mmap", err))
	}
	return &Counters{
		file:  f,
		mem:   mem,
		slots: unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), n),
	}, nil
}

// File returns the descriptor backing the counters, for handing to a
// child process.
func (c *Counters) File() *os.File { return c.file }

// Len returns the number of slots.
func (c *Counters) Len() int { return len(c.slots) }

// Slot returns the handle used by the owner of slot i.
func (c *Counters) Slot(i int) *Slot {
	return &Slot{p: &c.slots[i]}
}

// Load returns the current value of slot i.
func (c *Counters) Load(i int) uint64 {
	return atomic.LoadUint64(&c.slots[i])
}

// Sum returns the approximate total of the first n slots.
func (c *Counters) Sum(n int) uint64 {
	var total uint64
	for i := 0; i < n && i < len(c.slots); i++ {
		total += atomic.LoadUint64(&c.slots[i])
	}
	return total
}

// Close unmaps the counters and closes the backing descriptor.
func (c *Counters) Close() error {
	var err error
	if c.mem != nil {
		err = c.mem.Unmap()
		c.mem = nil
		c.slots = nil
	}
	if c.file != nil {
		if cerr := c.file.Close(); err == nil {
			err = cerr
		}
		c.file = nil
	}
	return err
}

// Slot is a single counter owned by one process.
type Slot struct {
	p *uint64
}

// Inc adds one to the slot. Only the owner may call it.
func (s *Slot) Inc() {
	atomic.StoreUint64(s.p, atomic.LoadUint64(s.p)+1)
}

// Load returns the slot's value.
func (s *Slot) Load() uint64 {
	return atomic.LoadUint64(s.p)
}

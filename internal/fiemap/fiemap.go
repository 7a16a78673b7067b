// Package fiemap drives the FS_IOC_FIEMAP extent-map ioctl.
//
// A query is always two calls: a discovery call with no room for extent
// records, which makes the kernel report how many extents the file has,
// followed by a populate call with a buffer grown to exactly that many
// records. The kernel's second answer is checked against the capacity
// that was actually handed to it before anything is read back.
package fiemap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/syserr"
)

const (
	// _IOWR('f', 11, struct fiemap)
	iocFiemap = 0xC020660B

	headerWords = 4 // sizeof(struct fiemap) / 8
	extentWords = 7 // sizeof(struct fiemap_extent) / 8

	// MaxExtents mirrors the kernel's FIEMAP_MAX_EXTENTS.
	MaxExtents = (1<<32 - 1) / (extentWords * 8)

	maxLength = ^uint64(0)
)

// Request flags.
const (
	FlagSync  = 0x00000001
	FlagXattr = 0x00000002
)

// Extent flags.
const (
	ExtentLast          = 0x00000001
	ExtentUnknown       = 0x00000002
	ExtentDelalloc      = 0x00000004
	ExtentEncoded       = 0x00000008
	ExtentDataEncrypted = 0x00000080
	ExtentNotAligned    = 0x00000100
	ExtentDataInline    = 0x00000200
	ExtentDataTail      = 0x00000400
	ExtentUnwritten     = 0x00000800
	ExtentMerged        = 0x00001000
	ExtentShared        = 0x00002000
)

var (
	// ErrNotSupported is returned by Loop.Run when the filesystem has no
	// extent-map support.
	ErrNotSupported = errors.New("FS_IOC_FIEMAP not supported on the file system")

	// ErrOverflow means the kernel claimed to map more extents than the
	// buffer had room for.
	ErrOverflow = errors.New("FS_IOC_FIEMAP mapped more extents than requested")
)

// header is struct fiemap without its flexible extent array.
type header struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
}

// rawExtent is struct fiemap_extent.
type rawExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved   [3]uint32
}

// Extent is one decoded extent record.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Flags    uint32
}

// Last reports whether the kernel marked e as the file's final extent.
func (e Extent) Last() bool { return e.Flags&ExtentLast != 0 }

type ioctlFunc func(fd uintptr, arg unsafe.Pointer) error

func fiemapIoctl(fd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, iocFiemap, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Query owns the buffer used for one discovery/populate cycle. It is not
// safe for concurrent use.
type Query struct {
	// words backs struct fiemap plus its extents; uint64 keeps it aligned.
	words  []uint64
	mapped uint32
	flags  uint32
	ioctl  ioctlFunc
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{ioctl: fiemapIoctl}
}

// SetFlags sets the FIEMAP_FLAG_* bits sent with every request.
func (q *Query) SetFlags(flags uint32) { q.flags = flags }

// reset replaces the buffer with a zeroed one sized for n extents.
func (q *Query) reset(n uint32) {
	need := headerWords + extentWords*int(n)
	if cap(q.words) >= need {
		q.words = q.words[:need]
		clear(q.words)
	} else {
		q.words = make([]uint64, need)
	}
	q.mapped = 0
}

func (q *Query) hdr() *header {
	return (*header)(unsafe.Pointer(&q.words[0]))
}

// Discover asks how many extents fd currently has without fetching them.
func (q *Query) Discover(fd uintptr) (uint32, error) {
	q.reset(0)
	h := q.hdr()
	h.Length = maxLength
	h.Flags = q.flags
	if err := q.ioctl(fd, unsafe.Pointer(h)); err != nil {
		return 0, errors.Wrap(syserr.New("ioctl FS_IOC_FIEMAP", err), "discover extents")
	}
	return h.MappedExtents, nil
}

// Populate grows the buffer to hold exactly count extents and fetches
// them. It returns the number of extents the kernel mapped, which is
// never more than count. With count 0 the kernel only counts, so any
// extents that appeared since discovery are not an overflow.
func (q *Query) Populate(fd uintptr, count uint32) (uint32, error) {
	if count > MaxExtents {
		return 0, errors.Errorf("cannot allocate room for %d extents (limit %d)", count, MaxExtents)
	}
	q.reset(count)
	h := q.hdr()
	h.Length = maxLength
	h.Flags = q.flags
	h.ExtentCount = count
	h.MappedExtents = 0
	if err := q.ioctl(fd, unsafe.Pointer(h)); err != nil {
		return 0, errors.Wrap(syserr.New("ioctl FS_IOC_FIEMAP", err), "populate extents")
	}
	if count == 0 {
		return 0, nil
	}
	if h.MappedExtents > count {
		return 0, errors.Wrapf(ErrOverflow, "mapped %d, room for %d", h.MappedExtents, count)
	}
	q.mapped = h.MappedExtents
	return q.mapped, nil
}

// Extents decodes the records fetched by the last successful Populate.
func (q *Query) Extents() []Extent {
	if q.mapped == 0 {
		return nil
	}
	raw := unsafe.Slice((*rawExtent)(unsafe.Pointer(&q.words[headerWords])), q.mapped)
	out := make([]Extent, len(raw))
	for i, r := range raw {
		out[i] = Extent{
			Logical:  r.Logical,
			Physical: r.Physical,
			Length:   r.Length,
			Flags:    r.Flags,
		}
	}
	return out
}

// Release drops the buffer.
func (q *Query) Release() {
	q.words = nil
	q.mapped = 0
}

// Cycle runs one discovery and populate pair and releases the buffer.
func (q *Query) Cycle(fd uintptr) (uint32, error) {
	defer q.Release()
	n, err := q.Discover(fd)
	if err != nil {
		return 0, err
	}
	return q.Populate(fd, n)
}

// Probe reports whether extent mapping works on fd at all.
func Probe(fd uintptr) error {
	_, err := NewQuery().Discover(fd)
	return err
}

// IsNotSupported reports whether err means the filesystem lacks
// FS_IOC_FIEMAP.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported) || errors.Is(err, unix.EOPNOTSUPP)
}

// Map fetches every extent of fd in one cycle.
func Map(fd uintptr, flags uint32) ([]Extent, error) {
	q := NewQuery()
	q.SetFlags(flags)
	n, err := q.Discover(fd)
	if err != nil {
		return nil, err
	}
	if _, err := q.Populate(fd, n); err != nil {
		return nil, err
	}
	return q.Extents(), nil
}

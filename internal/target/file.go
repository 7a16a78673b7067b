package target

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/syserr"
)

// Size limits for the target file.
const (
	MinBytes     = 1 << 20
	MaxBytes     = 1 << 40
	DefaultBytes = 16 << 20
)

// WorkingLength splits the requested total size evenly across instances,
// never going below MinBytes.
func WorkingLength(total uint64, instances int) uint64 {
	if instances < 1 {
		instances = 1
	}
	l := total / uint64(instances)
	if l < MinBytes {
		l = MinBytes
	}
	return l
}

// File is the file being fragmented and queried. It is unlinked as soon as
// it is created, so only open descriptors keep it alive.
type File struct {
	dir         string
	file        *os.File
	length      int64
	fsBlockSize uint64
}

// Create makes the per-instance temp directory under root and an unlinked
// file inside it, sized to length bytes.
func Create(root string, instance int, length int64) (*File, error) {
	dir := filepath.Join(root, fmt.Sprintf("extentstress-%d-%d", os.Getpid(), instance))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	name := filepath.Join(dir, "fiemap-"+uuid.NewString())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	os.Remove(name) // only the descriptors keep it alive from here on

	if err := f.Truncate(length); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to size target file: %w", err)
	}

	fsBlockSize, err := getFilesystemBlockSize(f)
	if err != nil {
		f.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to get filesystem block size: %w", err)
	}

	return &File{
		dir:         dir,
		file:        f,
		length:      length,
		fsBlockSize: fsBlockSize,
	}, nil
}

// Inherit wraps a target file descriptor passed down by the process that
// created it. That process owns the temp directory, so Close only closes
// the descriptor.
func Inherit(f *os.File) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat inherited target file: %w", err)
	}
	fsBlockSize, err := getFilesystemBlockSize(f)
	if err != nil {
		return nil, fmt.Errorf("failed to get filesystem block size: %w", err)
	}
	return &File{
		file:        f,
		length:      fi.Size(),
		fsBlockSize: fsBlockSize,
	}, nil
}

// getFilesystemBlockSize gets the filesystem block size for the given file
func getFilesystemBlockSize(file *os.File) (uint64, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(int(file.Fd()), &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Blksize), nil
}

// Dir returns the per-instance temp directory.
func (tf *File) Dir() string { return tf.dir }

// OSFile returns the open file, for handing to worker processes.
func (tf *File) OSFile() *os.File { return tf.file }

// Fd returns the file descriptor.
func (tf *File) Fd() uintptr { return tf.file.Fd() }

// Length returns the working length.
func (tf *File) Length() int64 { return tf.length }

// BlockSize returns the filesystem's preferred I/O size.
func (tf *File) BlockSize() uint64 { return tf.fsBlockSize }

// Seek sets the offset of the next Write.
func (tf *File) Seek(offset int64, whence int) (int64, error) {
	off, err := tf.file.Seek(offset, whence)
	if err != nil {
		return off, syserr.New("lseek", err)
	}
	return off, nil
}

// Write writes p at the current offset.
func (tf *File) Write(p []byte) (int, error) {
	n, err := tf.file.Write(p)
	if err != nil {
		return n, syserr.New("write", err)
	}
	return n, nil
}

// PunchHole deallocates [offset, offset+length) and keeps the file size.
func (tf *File) PunchHole(offset, length int64) error {
	err := unix.Fallocate(int(tf.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	return syserr.New("fallocate", err)
}

// Sync flushes file data to storage.
func (tf *File) Sync() error {
	return syserr.New("fdatasync", unix.Fdatasync(int(tf.file.Fd())))
}

// Close closes the file and removes the temp directory, if this process
// created it.
func (tf *File) Close() error {
	var err error
	if tf.file != nil {
		err = tf.file.Close()
		tf.file = nil
	}
	if tf.dir == "" {
		return err
	}
	if rerr := os.RemoveAll(tf.dir); err == nil {
		err = rerr
	}
	return err
}

// Usage describes the filesystem holding path.
func Usage(path string) (*disk.UsageStat, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}
	return u, nil
}

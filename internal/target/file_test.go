package target

import (
	"io"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bradfitz/extentstress/internal/syserr"
)

func TestProperty_WorkingLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("working length is max(size/instances, MinBytes)", prop.ForAll(
		func(size uint64, instances int) bool {
			want := size / uint64(instances)
			if want < MinBytes {
				want = MinBytes
			}
			return WorkingLength(size, instances) == want
		},
		gen.UInt64Range(MinBytes, MaxBytes),
		gen.IntRange(1, 4096),
	))

	properties.Property("working length never drops below MinBytes", prop.ForAll(
		func(size uint64, instances int) bool {
			return WorkingLength(size, instances) >= MinBytes
		},
		gen.UInt64Range(0, MaxBytes),
		gen.IntRange(-4, 1<<20),
	))

	properties.TestingRun(t)
}

func TestWorkingLengthExamples(t *testing.T) {
	assert.Equal(t, uint64(16<<20), WorkingLength(64<<20, 4))
	assert.Equal(t, uint64(MinBytes), WorkingLength(2<<20, 8))
	assert.Equal(t, uint64(64<<20), WorkingLength(64<<20, 0))
}

func TestCreateUnlinksAndSizes(t *testing.T) {
	root := t.TempDir()
	tf, err := Create(root, 3, 2<<20)
	require.NoError(t, err)

	entries, err := os.ReadDir(tf.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "target file must be unlinked right after creation")

	fi, err := tf.OSFile().Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), fi.Size())
	assert.Equal(t, int64(2<<20), tf.Length())
	assert.NotZero(t, tf.BlockSize())

	require.NoError(t, tf.Close())
	_, err = os.Stat(tf.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestWriteAndPunch(t *testing.T) {
	tf, err := Create(t.TempDir(), 0, 1<<20)
	require.NoError(t, err)
	defer tf.Close()

	_, err = tf.Seek(8192, io.SeekStart)
	require.NoError(t, err)
	n, err := tf.Write([]byte{0x5a})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, tf.Sync())

	err = tf.PunchHole(100, 8192)
	if syserr.Errno(err) == unix.EOPNOTSUPP {
		t.Skip("hole punching not supported on the test filesystem")
	}
	require.NoError(t, err)

	fi, err := tf.OSFile().Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), fi.Size(), "punching keeps the file size")
}

func TestInheritLeavesDirectory(t *testing.T) {
	tf, err := Create(t.TempDir(), 0, 1<<20)
	require.NoError(t, err)
	defer tf.Close()

	fd, err := unix.Dup(int(tf.Fd()))
	require.NoError(t, err)
	child, err := Inherit(os.NewFile(uintptr(fd), "target"))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), child.Length())
	assert.Equal(t, tf.BlockSize(), child.BlockSize())
	assert.Empty(t, child.Dir())

	_, err = child.Seek(4096, io.SeekStart)
	require.NoError(t, err)
	_, err = child.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, child.Sync())
	require.NoError(t, child.Close())

	_, err = os.Stat(tf.Dir())
	assert.NoError(t, err, "only the creator removes the temp directory")
}

func TestInheritClosedDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	w.Close()
	r.Close()
	_, err = Inherit(r)
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	u, err := Usage(t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, u.Total)
}

package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomBytesFillsBuffer(t *testing.T) {
	buf := make([]byte, 32)
	require.NoError(t, RandomBytes(buf))
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	require.False(t, allZero, "expected non-zero random bytes")
}

func TestClockWithNow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := WithNow(func() time.Time { return fixed })
	require.Equal(t, uint64(fixed.Unix()), c.NowUnixSeconds())
}

func TestAtomicWriteFileOverwritesCleanly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.bin")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))

	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0600))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

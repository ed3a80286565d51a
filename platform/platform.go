// Package platform implements the "platform surface" that spec.md treats
// as an external collaborator: secure RNG, monotonic/wall clocks, and
// atomic file writes. Every other component in this module reaches key
// material and timestamps only through here, so the process-wide RNG and
// clock (spec.md §9 "global mutable state") have exactly one acquisition
// point.
package platform

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RandomBytes fills buf with cryptographically secure random bytes.
func RandomBytes(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// RandomUint32 returns a cryptographically secure random uint32.
func RandomUint32() (uint32, error) {
	var b [4]byte
	if err := RandomBytes(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Clock is a monotonic/wall-clock source. The zero value is usable and
// simply delegates to the real system clock; tests substitute a fake one
// via WithNow.
type Clock struct {
	now func() time.Time
}

// NewClock returns the default, real-time Clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// WithNow returns a Clock whose Now() always calls fn, for deterministic
// tests of rotation policy.
func WithNow(fn func() time.Time) *Clock {
	return &Clock{now: fn}
}

// Now returns the current wall-clock time.
func (c *Clock) Now() time.Time {
	if c == nil || c.now == nil {
		return time.Now()
	}
	return c.now()
}

// NowUnixSeconds returns the current time as Unix seconds.
func (c *Clock) NowUnixSeconds() uint64 {
	return uint64(c.Now().Unix())
}

// NowUnixMillis returns the current time as Unix milliseconds.
func (c *Clock) NowUnixMillis() uint64 {
	return uint64(c.Now().UnixMilli())
}

// Elapsed returns the duration since t, using this clock's notion of now.
func (c *Clock) Elapsed(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// AtomicWriteFile writes data to path such that a concurrent reader never
// observes a partially written file: it writes to a sibling temp file and
// renames it into place, matching the "atomically overwrite on change"
// contract spec.md requires of the trust store, KT state, and ratchet/group
// state files.
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("platform: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("platform: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("platform: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("platform: rename into place: %w", err)
	}
	return nil
}

// Package lock serializes lifecycle operations across sensorctl processes
// with an advisory file lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gluk-w/sensorctl/internal/logging"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("unable to acquire lock")

// Lock is a reentrant advisory lock on one file. Acquire and Release calls
// nest; the file lock is taken by the first Acquire and dropped by the
// matching last Release.
type Lock struct {
	path string

	mu    sync.Mutex
	f     *os.File
	count int
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock without blocking.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s is held by %s", ErrLocked, l.path, holder(l.path))
		}
		return fmt.Errorf("lock %s: %w", l.path, err)
	}

	// Record the holder for the error message of whoever comes next.
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.f = f
	l.count = 1
	log := logging.WithComponent("lock")
	log.Debug().Str("path", l.path).Msg("lock acquired")
	return nil
}

// Release drops one level of nesting and unlocks the file at the last one.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return fmt.Errorf("lock %s: not held", l.path)
	}
	l.count--
	if l.count > 0 {
		return nil
	}
	f := l.f
	l.f = nil
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}

// Held reports whether this Lock currently holds the file lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0
}

func holder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return "another process"
	}
	return "pid " + string(trimNewline(data))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

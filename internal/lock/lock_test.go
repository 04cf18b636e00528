package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "lock")
	l := New(path)

	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !l.Held() {
		t.Fatal("Held() = false after Acquire")
	}
	data, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file = %q, want our pid", got)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if l.Held() {
		t.Fatal("Held() = true after Release")
	}
	if err := l.Release(); err == nil {
		t.Fatal("Release() on an unheld lock should fail")
	}
}

func TestSecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	first, second := New(path), New(path)

	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}
	err := second.Acquire()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "pid ") {
		t.Errorf("error %q should name the holder", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := second.Acquire(); err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	second.Release()
}

func TestNestedAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, other := New(path), New(path)

	for i := 0; i < 3; i++ {
		if err := l.Acquire(); err != nil {
			t.Fatalf("Acquire() #%d error: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		l.Release()
		if err := other.Acquire(); !errors.Is(err, ErrLocked) {
			t.Fatalf("lock dropped before the outermost Release (err=%v)", err)
		}
	}
	l.Release()
	if err := other.Acquire(); err != nil {
		t.Fatalf("Acquire() after full release error: %v", err)
	}
	other.Release()
}

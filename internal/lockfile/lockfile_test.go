package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquire_ExclusiveUntilRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "chatchain.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if pid, ok := HolderPID(path); !ok || pid != os.Getpid() {
		t.Fatalf("HolderPID=(%d,%v), want (%d,true)", pid, ok, os.Getpid())
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire err=%v, want ErrAlreadyLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestAcquire_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(" "); err == nil {
		t.Fatalf("Acquire(empty) succeeded")
	}
}

func TestAcquire_HeldErrorNamesHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chatchain.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(path)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("err=%v, want ErrAlreadyLocked", err)
	}
	want := fmt.Sprintf("by pid %d (%s)", os.Getpid(), path)
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("err=%q, want it to contain %q", err, want)
	}
}

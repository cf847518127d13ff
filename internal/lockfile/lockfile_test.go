package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, FileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock file content = %q, want %q", content, want)
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("second acquisition should fail")
	}
	if !errors.Is(err, ErrHeld) {
		t.Errorf("expected ErrHeld, got %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.HolderPID != os.Getpid() || lockErr.Stale {
		t.Errorf("expected live holder %d, got %+v", os.Getpid(), lockErr)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error should name the lock path: %s", err)
	}

	// The failed attempt must not clobber the holder's pid.
	content, _ := os.ReadFile(lock1.Path())
	if !strings.HasPrefix(string(content), "pid=") {
		t.Errorf("holder pid lost, file contains %q", content)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	again.Release()
}

func TestAcquire_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected state directory created, err = %v", err)
	}
}

func TestReadHolderPID(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"valid", "pid=12345\n", 12345},
		{"extra lines", "host=a\npid=678\n", 678},
		{"missing", "other=info", 0},
		{"empty", "", 0},
		{"not a number", "pid=abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if got := readHolderPID(path); got != tt.want {
				t.Errorf("readHolderPID(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
	if got := readHolderPID(filepath.Join(t.TempDir(), "absent")); got != 0 {
		t.Errorf("missing file should give 0, got %d", got)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("own process should be alive")
	}
}

// Package lockfile guards a ScanPipe state directory against a second process.
//
// Two processes writing the same SQLite conversation database or WhatsApp device store
// corrupt both, so main takes this lock whenever state lives on local disk. The lock is an
// advisory flock, released by the kernel if the process dies.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created inside the state directory.
const FileName = "scanpipe.lock"

// ErrHeld is wrapped by LockError when another live process holds the directory.
var ErrHeld = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError describes the holder of a contended lock.
type LockError struct {
	Path      string
	HolderPID int
	Stale     bool // holder pid no longer running
	Cause     error
}

func (e *LockError) Error() string {
	holder := "unknown process"
	if e.HolderPID > 0 {
		holder = fmt.Sprintf("pid %d", e.HolderPID)
		if e.Stale {
			holder += " (not running)"
		}
	}
	return fmt.Sprintf("%v: %s held by %s", ErrHeld, e.Path, holder)
}

func (e *LockError) Unwrap() []error {
	return []error{ErrHeld, e.Cause}
}

// Acquire takes the lock for dir, creating dir if needed. It never blocks.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: path, Cause: err}
		if pid := readHolderPID(path); pid > 0 {
			lockErr.HolderPID = pid
			lockErr.Stale = !processAlive(pid)
		}
		slog.Error("lockfile.Acquire: state directory in use", "path", path, "holder_pid", lockErr.HolderPID)
		return nil, lockErr
	}

	// Truncate only once we own the lock so a contender never wipes the holder's pid.
	if err := file.Truncate(0); err == nil {
		_, err = fmt.Fprintf(file, "pid=%d\n", os.Getpid())
		if err != nil {
			slog.Warn("lockfile.Acquire: could not record pid", "path", path, "error", err)
		}
	}

	slog.Debug("lockfile.Acquire: lock held", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new holder never has its file deleted from under it.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// readHolderPID returns the pid recorded in the lock file, or 0.
func readHolderPID(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// processAlive sends signal 0, which only checks that pid exists.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

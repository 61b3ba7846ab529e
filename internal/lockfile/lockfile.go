// Package lockfile guards a data directory against a second engine process.
//
// The conversation buffer and the local conversation locks live in process memory,
// so two processes sharing one SQLite database would run turns for the same
// conversation concurrently. The lock is an flock on a file in the data directory
// and is released by the kernel when the process exits.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileName is the lock file created in the data directory.
const FileName = "crmportilho.lock"

// Info describes the process holding the lock.
type Info struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Running reports whether the holder process is alive on this host.
func (i *Info) Running() bool {
	if i == nil || i.PID <= 0 {
		return false
	}
	if host, _ := os.Hostname(); i.Host != "" && host != i.Host {
		// Cannot probe a process on another host; assume it is alive.
		return true
	}
	p, err := os.FindProcess(i.PID)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock in dir, creating dir when needed. It fails fast with a
// *LockError when another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadInfo(path)
		slog.Error("lockfile.Acquire: data directory is locked", "path", path, "holder", holder, "error", err)
		return nil, &LockError{Path: path, Holder: holder, Err: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Host: host, StartedAt: time.Now().UTC()}
	if err := writeInfo(file, info); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: acquired data directory lock", "path", path, "pid", info.PID)
	return &Lock{file: file, path: path}, nil
}

func writeInfo(file *os.File, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// ReadInfo reads the holder information from a lock file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return &info, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees our info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: released data directory lock", "path", l.path)
	return err
}

// LockError reports that another process holds the lock.
type LockError struct {
	Path   string
	Holder *Info
	Err    error
}

func (e *LockError) Error() string {
	msg := "another crmportilho instance is using this data directory (lock file " + e.Path + ")"
	if e.Holder == nil {
		return msg
	}
	state := "running"
	if !e.Holder.Running() {
		state = "not running, remove the lock file if the directory is unused"
	}
	return fmt.Sprintf("%s: held by pid %d on %s since %s (%s)",
		msg, e.Holder.PID, e.Holder.Host, e.Holder.StartedAt.Format(time.RFC3339), state)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

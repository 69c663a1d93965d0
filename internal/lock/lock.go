// Package lock keeps two daemons from opening the same profile at once.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Owner describes the daemon holding a profile. It is stored as JSON in the
// lock file so other processes can say who has the profile open.
type Owner struct {
	Profile string    `json:"profile"`
	PID     int       `json:"pid"`
	Socket  string    `json:"socket,omitempty"`
	Since   time.Time `json:"since"`
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	return fmt.Sprintf("lifetrackd PID %d since %s", o.PID, o.Since.Local().Format(time.DateTime))
}

// LockHeldError is returned when another daemon holds the profile lock.
// Owner is zero when the lock file could not be read.
type LockHeldError struct {
	Path  string
	Owner Owner
}

func (e *LockHeldError) Error() string {
	if e.Owner.Profile != "" {
		return fmt.Sprintf("profile %q is locked by %s (%s)", e.Owner.Profile, e.Owner, e.Path)
	}
	return fmt.Sprintf("profile is locked by %s (%s)", e.Owner, e.Path)
}

// Lock is a held flock on a profile lock file.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes the exclusive lock at path without blocking and records
// owner in it. PID and Since default to this process and now.
// Returns LockHeldError if another process already holds it.
func Acquire(path string, owner Owner) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		held := &LockHeldError{Path: path}
		if o, err := ReadOwner(path); err == nil {
			held.Owner = *o
		}
		return nil, held
	}

	if owner.PID == 0 {
		owner.PID = os.Getpid()
	}
	if owner.Since.IsZero() {
		owner.Since = time.Now().UTC().Truncate(time.Second)
	}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path, owner: owner}, nil
}

func writeOwner(f *os.File, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	return f.Sync()
}

// ReadOwner reads the owner recorded at path. The file outlives a crashed
// daemon, so a result does not prove the lock is still held.
func ReadOwner(path string) (*Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return &o, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owner returns what this lock recorded about its holder.
func (l *Lock) Owner() Owner { return l.owner }

// Release drops the lock and removes the file. Safe to call on a nil or
// already released Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

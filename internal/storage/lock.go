package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// TaskLock is the lock file format that claims exclusive write access to one
// task. State updates are last-writer-wins, so one process drives a task at a time.
type TaskLock struct {
	TaskID    string    `json:"task_id"`
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// LockPath returns the lock file location for a task under the storage root
func LockPath(root, taskID string) string {
	return filepath.Join(root, ".locks", taskID+".lock")
}

// ErrTaskLocked is returned when another live process holds a task's lock
var ErrTaskLocked = errors.New("task is locked")

// lockWriteGrace is how long an unreadable lock file counts as held
const lockWriteGrace = 5 * time.Second

// AcquireTaskLock creates the task's lock file. A lock held by a live process
// is an error; a stale lock from a dead process is replaced. The file is
// created exclusively, so of two racing processes only one succeeds.
// Returns the lock file path for ReleaseTaskLock.
func AcquireTaskLock(root, taskID, holder string) (lockPath string, err error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	lockPath = LockPath(root, taskID)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}

	if existing, err := readTaskLock(lockPath); err == nil {
		if existing.PID == os.Getpid() {
			return lockPath, nil
		}
		if isProcessAlive(existing.PID, existing.Hostname) {
			return "", heldError(taskID, existing)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale lock: %w", err)
		}
		slog.Warn("stale task lock removed", "task", taskID, "old_pid", existing.PID)
	} else if !os.IsNotExist(err) {
		// a fresh unreadable lock is still being written by its holder
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) < lockWriteGrace {
			return "", fmt.Errorf("%w: %s (lock file is being written)", ErrTaskLocked, taskID)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove unreadable lock: %w", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := TaskLock{
		TaskID:    taskID,
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := readTaskLock(lockPath); readErr == nil {
				return "", heldError(taskID, existing)
			}
			return "", fmt.Errorf("%w: %s (lock file appeared concurrently)", ErrTaskLocked, taskID)
		}
		return "", fmt.Errorf("failed to create task lock: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return "", fmt.Errorf("failed to write task lock: %w", err)
	}
	return lockPath, nil
}

func readTaskLock(lockPath string) (*TaskLock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock TaskLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("invalid lock file %s: %w", lockPath, err)
	}
	return &lock, nil
}

func heldError(taskID string, lock *TaskLock) error {
	return fmt.Errorf("%w: %s by %s (PID %d on %s, since %s)",
		ErrTaskLocked, taskID, lock.Holder, lock.PID, lock.Hostname,
		lock.StartedAt.Format(time.RFC3339))
}

// ReleaseTaskLock removes the lock file. Use with defer.
func ReleaseTaskLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove task lock: %w", err)
	}
	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given host.
// Remote hosts and unverifiable processes are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: exists but owned by someone else
	if err == syscall.EPERM {
		return true
	}
	return false
}

package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockFileName = ".connector.lock"

// LockHeldError reports a state directory already owned by another connector.
type LockHeldError struct {
	Path   string
	Reason string
}

func (e *LockHeldError) Error() string {
	if e.Reason == "" {
		return "instance lock exists: " + e.Path
	}
	return fmt.Sprintf("instance lock exists: %s (%s)", e.Path, e.Reason)
}

// InstanceLock guards a state directory against a second connector process.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	// StaleAfter allows takeover of a lock without a pid once it is this old.
	StaleAfter time.Duration
	Now        func() time.Time
}

type lockOwner struct {
	pid        int
	instanceID string
	startedAt  time.Time
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, lockFileName)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{pid: os.Getpid(), instanceID: opts.InstanceID, startedAt: now().UTC()}
			if err := writeLockOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, &LockHeldError{Path: path}
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, &LockHeldError{Path: path, Reason: "stale check failed: " + err.Error()}
		}
		if !stale {
			return nil, &LockHeldError{Path: path, Reason: reason}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, &LockHeldError{Path: path}
}

func writeLockOwner(f *os.File, owner lockOwner) error {
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(owner.pid) + "\n")
	if owner.instanceID != "" {
		b.WriteString("instance_id=" + owner.instanceID + "\n")
	}
	b.WriteString("started_at=" + owner.startedAt.Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	owner, err := parseLockOwner(data)
	if err != nil {
		return false, "", err
	}

	if owner.pid > 0 {
		if processAlive(owner.pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseLockOwner(data []byte) (lockOwner, error) {
	var owner lockOwner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.pid = pid
			}
		case "instance_id":
			owner.instanceID = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				owner.startedAt = ts.UTC()
			}
		}
	}
	return owner, scanner.Err()
}

// processAlive treats permission errors as a live process owned by someone else.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access is denied")
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Package pidlock keeps a single server instance per lock file. A lock whose
// owner has exited, or whose pid was reused by another process, is stale and
// gets replaced.
package pidlock

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrLockBusy is returned when the lock is held by another live process.
	ErrLockBusy = errors.New("lock held by another process")

	// ErrLockInvalid is returned when the lock file cannot be parsed.
	ErrLockInvalid = errors.New("lock file corrupted or invalid format")

	// ErrLockNotOwned is returned when releasing a lock owned by someone else.
	ErrLockNotOwned = errors.New("cannot release lock not owned by this process")
)

// Holder is the JSON stored in the lock file.
type Holder struct {
	PID            int       `json:"pid"`
	OwnerStartTime int64     `json:"owner_start_time"` // ms since epoch
	Instance       string    `json:"instance"`
	Listen         string    `json:"listen"`
	AcquiredAt     time.Time `json:"acquired_at"`
}

type Lock struct {
	path      string
	startTime func(pid int) (int64, error)
	alive     func(pid int) bool
}

func New(path string) *Lock {
	return &Lock{path: path, startTime: processStartTime, alive: processAlive}
}

func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock for this process. When a live server holds it the
// error wraps ErrLockBusy and names the holder.
func (l *Lock) Acquire(instance, listen string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	pid := os.Getpid()
	startTime, err := l.startTime(pid)
	if err != nil {
		return fmt.Errorf("failed to get process start time: %w", err)
	}

	content, err := json.Marshal(Holder{
		PID:            pid,
		OwnerStartTime: startTime,
		Instance:       instance,
		Listen:         listen,
		AcquiredAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lock data: %w", err)
	}

	err = l.link(content)
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock: %w", err)
	}

	holder, stale := l.inspect()
	if !stale {
		return fmt.Errorf("%w: pid %d (instance %s) serving %s", ErrLockBusy, holder.PID, holder.Instance, holder.Listen)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}

	if err := l.link(content); err != nil {
		if os.IsExist(err) {
			// Another server grabbed it between our delete and link.
			return ErrLockBusy
		}
		return fmt.Errorf("failed to create lock: %w", err)
	}
	return nil
}

// Release removes the lock if this process owns it. A missing lock is fine.
func (l *Lock) Release() error {
	holder, err := Read(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if errors.Is(err, ErrLockInvalid) {
			return removeIfExists(l.path)
		}
		return err
	}

	if holder.PID != os.Getpid() {
		return ErrLockNotOwned
	}
	return removeIfExists(l.path)
}

// Read returns the current holder of the lock at path.
func Read(path string) (Holder, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(content, &h); err != nil {
		return Holder{}, fmt.Errorf("%w: %v", ErrLockInvalid, err)
	}
	return h, nil
}

// link writes content to a temp file and hard-links it into place, which
// fails atomically when the lock exists.
func (l *Lock) link(content []byte) error {
	suffix, err := randomString(8)
	if err != nil {
		return err
	}
	tmp := l.path + "." + suffix
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	defer os.Remove(tmp)
	return os.Link(tmp, l.path)
}

// inspect reports the holder and whether the lock is stale: unreadable,
// owner dead, or owner pid reused.
func (l *Lock) inspect() (Holder, bool) {
	h, err := Read(l.path)
	if err != nil {
		return Holder{}, true
	}
	if !l.alive(h.PID) {
		return h, true
	}
	started, err := l.startTime(h.PID)
	if err != nil {
		return h, true
	}
	return h, started != h.OwnerStartTime
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

func processStartTime(pid int) (int64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID: %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

func randomString(length int) (string, error) {
	b := make([]byte, length/2+1)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random string: %w", err)
	}
	return hex.EncodeToString(b)[:length], nil
}

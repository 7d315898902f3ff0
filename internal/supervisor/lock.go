package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultLockStaleTimeout is the age after which an unreadable lock is ignored.
const DefaultLockStaleTimeout = 30 * time.Second

// ErrSpawnInProgress is returned when another start holds the spawn lock.
var ErrSpawnInProgress = errors.New("another start is already in progress")

type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// spawnLock is held for the duration of one Spawn.
type spawnLock struct {
	path     string
	file     *os.File
	released bool
}

func (l *spawnLock) release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// acquireSpawnLock creates path exclusively. A lock left behind by a dead
// process, or an unreadable one older than staleAfter, is removed and the
// attempt repeated once.
func acquireSpawnLock(path string, staleAfter time.Duration, alive func(int) bool) (*spawnLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			})
			if _, err := file.Write(payload); err != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("write spawn lock: %w", err)
			}
			return &spawnLock{path: path, file: file}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire spawn lock %s: %w", path, err)
		}
		if !lockIsStale(path, staleAfter, alive) {
			return nil, ErrSpawnInProgress
		}
		_ = os.Remove(path)
	}
	return nil, ErrSpawnInProgress
}

func lockIsStale(path string, staleAfter time.Duration, alive func(int) bool) bool {
	data, err := os.ReadFile(path)
	if err == nil {
		var payload lockPayload
		if json.Unmarshal(data, &payload) == nil && payload.PID > 0 {
			return !alive(payload.PID)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleAfter
}

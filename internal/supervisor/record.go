package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	PIDFileName  = "agentproxy.pid"
	LockFileName = "spawn.lock"
	LogFileName  = "server.log"
)

// errMalformedRecord marks a PID record that cannot be trusted.
var errMalformedRecord = errors.New("malformed process record")

// ProcessRecord is the on-disk identity of the background server: the pid on
// the first line and the port on the second.
type ProcessRecord struct {
	PID  int
	Port int
}

func (r ProcessRecord) encode() []byte {
	return []byte(fmt.Sprintf("%d\n%d\n", r.PID, r.Port))
}

func parseRecord(data []byte) (ProcessRecord, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	if len(lines) != 2 {
		return ProcessRecord{}, fmt.Errorf("%w: want 2 lines, got %d", errMalformedRecord, len(lines))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return ProcessRecord{}, fmt.Errorf("%w: bad pid %q", errMalformedRecord, lines[0])
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil || port <= 0 || port > 65535 {
		return ProcessRecord{}, fmt.Errorf("%w: bad port %q", errMalformedRecord, lines[1])
	}
	return ProcessRecord{PID: pid, Port: port}, nil
}

// readRecord returns fs.ErrNotExist (wrapped) when there is no record.
func readRecord(path string) (ProcessRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessRecord{}, err
	}
	return parseRecord(data)
}

// writeRecord replaces the record atomically.
func writeRecord(path string, rec ProcessRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agentproxy-pid-*")
	if err != nil {
		return fmt.Errorf("create pid temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(rec.encode()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close pid file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install pid file: %w", err)
	}
	return nil
}

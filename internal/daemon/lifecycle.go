package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/harun/toolhub/internal/version"
)

// PIDFileName is the name of the PID file inside the data directory.
const PIDFileName = "toolhub.pid"

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("toolhub is already running")

// PIDInfo is the content of the PID file.
type PIDInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version,omitempty"`
	Addr      string    `json:"addr,omitempty"`
}

// LifecycleManager owns the daemon's PID file.
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: PIDFilePath(d.config.DataDir),
	}
}

// PIDFilePath returns the PID file location for dataDir.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// Start claims the PID file. A file naming another live process is an
// error; a stale one is replaced. The file is written through a rename so
// readers never see it half written.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if owner, err := ReadPIDInfo(l.pidFile); err == nil && owner.PID != os.Getpid() && ProcessAlive(owner.PID) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner.PID)
	}

	info := PIDInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Version:   version.Version,
	}
	if srv := l.daemon.config.Server; srv.Port > 0 {
		info.Addr = net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	}
	if err := writePIDInfo(l.pidFile, info); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.daemon.log.Info().
		Str("pid_file", l.pidFile).
		Int("pid", info.PID).
		Msg("PID file written")
	return nil
}

func writePIDInfo(path string, info PIDInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Stop removes the PID file if this process still owns it.
func (l *LifecycleManager) Stop() error {
	owner, err := ReadPIDInfo(l.pidFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err == nil && owner.PID != os.Getpid():
		l.daemon.log.Warn().Int("owner", owner.PID).Msg("PID file belongs to another process, leaving it")
		return nil
	}

	if err := os.Remove(l.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.daemon.log.Info().Msg("PID file removed")
	return nil
}

// GetPID returns the daemon PID from the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	return ReadPID(l.pidFile)
}

// IsRunning reports whether the process named by the PID file is alive.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	return err == nil && ProcessAlive(pid)
}

// ReadPID returns the PID recorded at path.
func ReadPID(path string) (int, error) {
	info, err := ReadPIDInfo(path)
	if err != nil {
		return 0, err
	}
	return info.PID, nil
}

// ReadPIDInfo reads a PID file. A file holding just a decimal PID is
// accepted too.
func ReadPIDInfo(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PIDInfo{}, err
	}
	data = bytes.TrimSpace(data)

	var info PIDInfo
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &info); err != nil {
			return PIDInfo{}, fmt.Errorf("invalid PID file %s: %w", path, err)
		}
	} else if info.PID, err = strconv.Atoi(string(data)); err != nil {
		return PIDInfo{}, fmt.Errorf("invalid PID file %s", path)
	}
	if info.PID <= 0 {
		return PIDInfo{}, fmt.Errorf("invalid PID file %s", path)
	}
	return info, nil
}

// ProcessAlive reports whether pid exists. On Unix FindProcess always
// succeeds, so signal 0 probes the process instead.
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

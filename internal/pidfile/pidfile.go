// Package pidfile tracks running p2p-share processes in a shared JSON file
// so that ps, kill and killall can find them.
// CRC: crc-ProcessTracker.md
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessName is the executable name tracked processes must carry.
const ProcessName = "p2p-share"

const (
	termPollInterval = 100 * time.Millisecond
	termGracePeriod  = 5 * time.Second
)

// DefaultPath is the tracking file shared by every instance on the machine.
var DefaultPath = filepath.Join(os.TempDir(), ".p2p-share")

// PIDFile represents the JSON structure of the PID tracking file
type PIDFile struct {
	PIDs []int32 `json:"pids"`
}

// Tracker reads and writes one tracking file. Only processes whose name
// contains the tracker's name are considered live.
type Tracker struct {
	mu   sync.Mutex
	path string
	name string
}

// New returns a tracker for the file at path matching processes named name.
func New(path, name string) *Tracker {
	return &Tracker{path: path, name: name}
}

var defaultTracker = New(DefaultPath, ProcessName)

// Default returns the tracker used by the CLI.
func Default() *Tracker {
	return defaultTracker
}

// withLocked opens and locks the file, drops dead PIDs and hands the rest to fn.
func (t *Tracker) withLocked(flags int, fn func(*os.File, []int32) error) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.OpenFile(t.path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return err
	}
	defer unlockFile(file)

	var pids []int32
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > 0 {
		var pidFile PIDFile
		if err := json.NewDecoder(file).Decode(&pidFile); err == nil {
			pids = pidFile.PIDs
		}
	}

	live := slices.DeleteFunc(slices.Clone(pids), func(pid int32) bool { return !t.isTracked(pid) })
	if len(live) != len(pids) {
		if err := writePIDs(file, live); err != nil {
			return err
		}
	}
	return fn(file, live)
}

// isTracked reports whether pid is a running process with the tracked name.
func (t *Tracker) isTracked(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(name, t.name)
}

func writePIDs(file *os.File, pids []int32) error {
	if pids == nil {
		pids = []int32{}
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&PIDFile{PIDs: pids})
}

func without(pids []int32, pid int32) []int32 {
	return slices.DeleteFunc(pids, func(p int32) bool { return p == pid })
}

// Register adds the current process to the tracking file
func (t *Tracker) Register() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := int32(os.Getpid())
	return t.withLocked(os.O_RDWR|os.O_CREATE, func(file *os.File, pids []int32) error {
		if slices.Contains(pids, current) {
			return nil
		}
		return writePIDs(file, append(pids, current))
	})
}

// Unregister removes the current process from the tracking file
func (t *Tracker) Unregister() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := int32(os.Getpid())
	return t.withLocked(os.O_RDWR|os.O_CREATE, func(file *os.File, pids []int32) error {
		return writePIDs(file, without(pids, current))
	})
}

// List returns the tracked PIDs that are still running
func (t *Tracker) List() ([]int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []int32
	err := t.withLocked(os.O_RDWR|os.O_CREATE, func(file *os.File, pids []int32) error {
		result = pids
		return nil
	})
	return result, err
}

// Kill terminates one tracked process: SIGTERM first, SIGKILL after the
// grace period.
func (t *Tracker) Kill(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isTracked(pid) {
		return fmt.Errorf("PID %d is not a running %s process", pid, t.name)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to get process: %w", err)
	}
	if err := terminate(proc); err != nil {
		return err
	}

	// Best effort; the next reader drops dead PIDs anyway
	t.withLocked(os.O_RDWR, func(file *os.File, pids []int32) error {
		return writePIDs(file, without(pids, pid))
	})
	return nil
}

// KillAll terminates every tracked process and returns how many there were.
func (t *Tracker) KillAll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var toKill []int32
	err := t.withLocked(os.O_RDWR|os.O_CREATE, func(file *os.File, pids []int32) error {
		toKill = pids
		return writePIDs(file, nil)
	})
	if err != nil {
		return 0, err
	}

	procs := make(map[int32]*process.Process)
	for _, pid := range toKill {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Terminate(); err == nil {
			procs[pid] = proc
		}
	}

	deadline := time.Now().Add(termGracePeriod)
	for len(procs) > 0 && time.Now().Before(deadline) {
		for pid, proc := range procs {
			if running, err := proc.IsRunning(); err != nil || !running {
				delete(procs, pid)
			}
		}
		time.Sleep(termPollInterval)
	}
	for _, proc := range procs {
		proc.Kill()
	}
	return len(toKill), nil
}

func terminate(proc *process.Process) error {
	if err := proc.Terminate(); err != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		return nil
	}
	deadline := time.Now().Add(termGracePeriod)
	for time.Now().Before(deadline) {
		if running, err := proc.IsRunning(); err != nil || !running {
			return nil
		}
		time.Sleep(termPollInterval)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}

// ProcessInfo returns the command line of a process
func ProcessInfo(pid int32) (string, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return "", nil
	}
	return cmdline, nil
}

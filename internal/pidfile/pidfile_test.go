package pidfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/shirou/gopsutil/v3/process"
)

// selfTracker tracks processes named like the test binary.
func selfTracker(t *testing.T) *Tracker {
	t.Helper()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("failed to inspect test process: %v", err)
	}
	name, err := proc.Name()
	if err != nil {
		t.Fatalf("failed to read process name: %v", err)
	}
	return New(filepath.Join(t.TempDir(), "pids"), name)
}

func TestRegisterAndUnregister(t *testing.T) {
	tr := selfTracker(t)
	self := int32(os.Getpid())

	if err := tr.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := tr.Register(); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	pids, err := tr.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pids) != 1 || pids[0] != self {
		t.Errorf("List = %v, want [%d]", pids, self)
	}

	if err := tr.Unregister(); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	pids, err = tr.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if slices.Contains(pids, self) {
		t.Errorf("List = %v after Unregister", pids)
	}
}

func TestListDropsDeadProcesses(t *testing.T) {
	tr := selfTracker(t)
	self := int32(os.Getpid())

	// PIDs above the kernel's pid_max never exist
	data, _ := json.Marshal(PIDFile{PIDs: []int32{1 << 30, self}})
	if err := os.WriteFile(tr.path, data, 0644); err != nil {
		t.Fatalf("failed to seed PID file: %v", err)
	}

	pids, err := tr.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pids) != 1 || pids[0] != self {
		t.Errorf("List = %v, want [%d]", pids, self)
	}

	var stored PIDFile
	raw, err := os.ReadFile(tr.path)
	if err != nil {
		t.Fatalf("failed to read PID file: %v", err)
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("PID file is not JSON: %v", err)
	}
	if len(stored.PIDs) != 1 {
		t.Errorf("file not rewritten: %v", stored.PIDs)
	}
}

func TestKillRejectsUntrackedProcess(t *testing.T) {
	tr := New(filepath.Join(t.TempDir(), "pids"), "definitely-not-this-binary")
	if err := tr.Kill(int32(os.Getpid())); err == nil {
		t.Error("Kill accepted a process with a different name")
	}
}

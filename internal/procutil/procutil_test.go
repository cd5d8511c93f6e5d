package procutil

import (
	"os"
	"os/exec"
	"testing"
)

func TestPIDAlive_CurrentProcess(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatalf("expected the current process to be reported alive")
	}
}

func TestPIDAlive_InvalidPID(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatalf("expected non-positive PIDs to be reported not alive")
	}
}

func TestPIDAlive_ExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	if PIDAlive(cmd.Process.Pid) {
		t.Fatalf("expected an already-reaped exited process to be reported not alive")
	}
}

func TestProcFSAvailable(t *testing.T) {
	// Just exercise the call; its result is environment-dependent, but it
	// must never panic and PIDAlive must stay internally consistent with it.
	_ = ProcFSAvailable()
	if !PIDAlive(os.Getpid()) {
		t.Fatalf("PIDAlive should still find the current process regardless of ProcFSAvailable")
	}
}

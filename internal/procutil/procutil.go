// Package procutil inspects and signals sandbox worker processes.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 || PIDZombie(pid) {
		return false
	}
	return signalOK(syscall.Kill(pid, 0))
}

// GroupAlive reports whether any process in the process group pgid can still
// be signalled.
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	if !signalOK(syscall.Kill(-pgid, 0)) {
		return false
	}
	// A group whose leader is a zombie awaiting reap still answers signal 0.
	return !PIDZombie(pgid) || groupHasLiveMember(pgid)
}

// KillGroup sends SIGKILL to every process in the group. A group that is
// already gone is not an error.
func KillGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func signalOK(err error) bool {
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	state, ok := procState(pid)
	return ok && (state == 'Z' || state == 'X')
}

func procState(pid int) (byte, bool) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, false
	}
	return line[closeIdx+2], true
}

// groupHasLiveMember scans procfs for a non-zombie process in pgid. Without
// procfs it assumes the group is alive.
func groupHasLiveMember(pgid int) bool {
	if !ProcFSAvailable() {
		return true
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if g, err := syscall.Getpgid(pid); err != nil || g != pgid {
			continue
		}
		if state, ok := procState(pid); ok && state != 'Z' && state != 'X' {
			return true
		}
	}
	return false
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

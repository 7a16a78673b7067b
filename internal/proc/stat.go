package proc

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Process states from /proc/<pid>/stat.
const (
	StateRunning         = 'R'
	StateSleeping        = 'S'
	StateUninterruptible = 'D'
	StateZombie          = 'Z'
	StateStopped         = 'T'
)

// ProcessInfo contains basic process information
type ProcessInfo struct {
	Comm  string
	State byte
}

// Stuck reports whether the process is blocked in the kernel.
func (pi ProcessInfo) Stuck() bool { return pi.State == StateUninterruptible }

// GetProcessInfo reads the command name and scheduler state of pid.
func GetProcessInfo(pid int) (ProcessInfo, error) {
	var info ProcessInfo

	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	statData, err := os.ReadFile(statPath)
	if err != nil {
		return info, fmt.Errorf("failed to read stat: %w", err)
	}
	return parseStat(statData)
}

// parseStat parses "pid (comm) state ...". comm may contain spaces and
// parentheses, so the state is found after the last ')'.
func parseStat(data []byte) (ProcessInfo, error) {
	var info ProcessInfo
	open := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if open < 0 || end < open {
		return info, fmt.Errorf("malformed stat: %q", data)
	}
	info.Comm = string(data[open+1 : end])
	rest := strings.Fields(string(data[end+1:]))
	if len(rest) == 0 || len(rest[0]) != 1 {
		return info, fmt.Errorf("malformed stat state: %q", data)
	}
	info.State = rest[0][0]
	return info, nil
}

//go:build linux

package process_linux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"memscan/process"
)

// ListByName returns the PIDs of all processes whose comm or exe basename
// equals name. The match is case-sensitive, like pidof.
func ListByName(name string) ([]process.ProcessID, error) {
	if name == "" {
		return nil, errors.New("empty name")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	selfPID := os.Getpid()
	var out []process.ProcessID

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue // not a PID dir
		}
		if pid == selfPID {
			continue // skip ourselves
		}

		comm, _ := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if string(bytes.TrimRight(comm, "\n")) == name {
			out = append(out, process.ProcessID(pid))
			continue
		}

		// Resolve /proc/<pid>/exe symlink; may fail if zombie or permission
		exe, _ := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		if exe != "" && filepath.Base(exe) == name {
			out = append(out, process.ProcessID(pid))
		}
	}

	return out, nil
}

// OneByName returns the lowest matching PID for name, or os.ErrNotExist
// if none.
func OneByName(name string) (process.ProcessID, error) {
	pids, err := ListByName(name)
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, os.ErrNotExist
	}

	min := pids[0]
	for _, pid := range pids[1:] {
		if pid < min {
			min = pid
		}
	}
	return min, nil
}

//go:build linux

package process_linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"memscan/process"
)

// ListProcesses returns a snapshot of all running processes from /proc
func ListProcesses() ([]process.ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var processes []process.ProcessInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // skip non-numeric directories
		}

		info, err := GetProcessInfo(process.ProcessID(pid))
		if err != nil {
			// Process might have disappeared, skip it
			continue
		}

		processes = append(processes, info)
	}

	return processes, nil
}

// GetProcessInfo reads information about one process from /proc/[pid]/
func GetProcessInfo(pid process.ProcessID) (process.ProcessInfo, error) {
	info := process.ProcessInfo{PID: pid}

	statPath := filepath.Join("/proc", strconv.Itoa(int(pid)), "stat")
	statData, err := os.ReadFile(statPath)
	if err != nil {
		return info, fmt.Errorf("failed to read %s: %w", statPath, err)
	}

	if err := parseStatFile(string(statData), &info); err != nil {
		return info, fmt.Errorf("failed to parse stat file: %w", err)
	}

	// RSS from /proc/[pid]/status; not fatal if unreadable
	statusData, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "status"))
	if err == nil {
		parseStatusFile(string(statusData), &info)
	}

	cmdlineData, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "cmdline"))
	if err == nil {
		cmdline := strings.ReplaceAll(string(cmdlineData), "\x00", " ")
		info.Cmdline = strings.TrimSpace(cmdline)
	}

	return info, nil
}

// parseStatFile parses /proc/[pid]/stat
func parseStatFile(data string, info *process.ProcessInfo) error {
	// The comm field is parenthesized and may contain spaces; split around it
	open := strings.IndexByte(data, '(')
	close := strings.LastIndexByte(data, ')')
	if open < 0 || close < 0 || close < open {
		return fmt.Errorf("invalid stat file format")
	}

	info.Name = data[open+1 : close]

	rest := strings.Fields(data[close+1:])
	if len(rest) < 18 {
		return fmt.Errorf("invalid stat file format")
	}

	info.State = rest[0]
	if ppid, err := strconv.Atoi(rest[1]); err == nil {
		info.PPID = process.ProcessID(ppid)
	}
	if threads, err := strconv.Atoi(rest[17]); err == nil {
		info.Threads = threads
	}

	return nil
}

// parseStatusFile parses /proc/[pid]/status for memory info
func parseStatusFile(data string, info *process.ProcessInfo) {
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		if parts[0] == "VmRSS:" {
			if kb, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
				info.Memory = kb * 1024
			}
			return
		}
	}
}

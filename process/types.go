package process

import (
	"fmt"
)

// ProcessID represents a unique identifier for a process
type ProcessID int

// ProcessMemoryAddress represents a memory address within a process
type ProcessMemoryAddress uint64

func (pma ProcessMemoryAddress) ToString() string {
	return fmt.Sprintf("0x%X", uint64(pma))
}

// ProcessMemorySize represents a size of memory region
type ProcessMemorySize uint

func (pms ProcessMemorySize) ToString() string {
	return fmt.Sprintf("%d bytes", uint(pms))
}

// ProcessInfo contains basic information about a process
type ProcessInfo struct {
	PID     ProcessID `json:"pid"`
	PPID    ProcessID `json:"ppid"`
	Name    string    `json:"name"`
	State   string    `json:"state"`
	Threads int       `json:"threads"`
	Memory  uint64    `json:"memory"` // Resident Set Size in bytes
	Cmdline string    `json:"cmdline"`
}

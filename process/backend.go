// Package process defines the memory access contract the scan engine
// consumes, plus the shared address/size types and error values.
package process

import (
	"errors"

	"memscan/process/memory_map"
)

var (
	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrProcessNotOpen is returned when an operation requiring an open process is attempted
	// before the process has been successfully opened or after it has been closed.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrReadFailed is returned when a memory read could not complete. Reads are
	// all-or-nothing; callers never see a short buffer.
	ErrReadFailed = errors.New("memory read failed")
)

// Backend is the capability the scan/filter engine consumes: raw memory
// reads, region enumeration and optional suspend/resume of the target.
// Implementations exist for the local ptrace-style bridge (process_linux)
// and for a remote memory-read API (process_remote).
type Backend interface {
	// GetPID returns the process ID of the attached target
	GetPID() ProcessID

	// ReadMemory reads size bytes at addr. All-or-nothing: an error means
	// no usable data, never a partial buffer.
	ReadMemory(addr ProcessMemoryAddress, size ProcessMemorySize) ([]byte, error)

	// WriteMemory writes data to the process memory at the specified address
	WriteMemory(addr ProcessMemoryAddress, data []byte) error

	// Suspend stops the target process. Safe to call on an already
	// suspended target.
	Suspend() error

	// Resume continues the target process. Safe to call on a running target.
	Resume() error

	// GetMemoryMap returns a copy of the current memory map
	GetMemoryMap() ([]memory_map.MemoryMapItem, error)

	// Close releases the attachment
	Close() error
}

// Package proctest provides an in-memory process.Backend for tests.
package proctest

import (
	"fmt"
	"sync"

	"memscan/process"
	"memscan/process/memory_map"
)

// FakeBackend serves reads from an in-memory buffer mapped at Base.
// It satisfies process.Backend so engine and server tests can run
// without a live target.
type FakeBackend struct {
	PID  process.ProcessID
	Base uint64

	mu        sync.Mutex
	mem       []byte
	suspended bool

	SuspendCalls int
	ResumeCalls  int

	// FailAt makes reads touching these addresses fail, to exercise the
	// per-chunk tolerance paths.
	FailAt map[uint64]bool
}

// New maps mem at base
func New(base uint64, mem []byte) *FakeBackend {
	return &FakeBackend{
		PID:    4242,
		Base:   base,
		mem:    mem,
		FailAt: make(map[uint64]bool),
	}
}

func (f *FakeBackend) GetPID() process.ProcessID { return f.PID }

func (f *FakeBackend) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := uint64(addr)
	end := start + uint64(size)
	if start < f.Base || end > f.Base+uint64(len(f.mem)) {
		return nil, process.ErrAddressNotMapped
	}
	for a := range f.FailAt {
		if a >= start && a < end {
			return nil, process.ErrReadFailed
		}
	}

	out := make([]byte, size)
	copy(out, f.mem[start-f.Base:end-f.Base])
	return out, nil
}

func (f *FakeBackend) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := uint64(addr)
	if start < f.Base || start+uint64(len(data)) > f.Base+uint64(len(f.mem)) {
		return process.ErrAddressNotMapped
	}
	copy(f.mem[start-f.Base:], data)
	return nil
}

// Poke mutates the backing buffer directly, bypassing bounds errors, so
// filter tests can change values between passes.
func (f *FakeBackend) Poke(addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mem[addr-f.Base:], data)
}

func (f *FakeBackend) Suspend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = true
	f.SuspendCalls++
	return nil
}

func (f *FakeBackend) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = false
	f.ResumeCalls++
	return nil
}

// Suspended reports whether the last suspend/resume left the target stopped
func (f *FakeBackend) Suspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

func (f *FakeBackend) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	return []memory_map.MemoryMapItem{
		{
			Address: f.Base,
			Size:    uint(len(f.mem)),
			Perms:   "rw-p",
			Path:    fmt.Sprintf("[fake-%d]", f.PID),
		},
	}, nil
}

func (f *FakeBackend) Close() error { return nil }

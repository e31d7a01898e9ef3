//go:build linux

package process_linux

import (
	"errors"
	"fmt"

	"memscan/process"

	"golang.org/x/sys/unix"
)

// Suspend stops the target with SIGSTOP. Idempotent for an already
// stopped process.
func (p *LinuxProcess) Suspend() error {
	return p.signal(unix.SIGSTOP, "suspend")
}

// Resume continues the target with SIGCONT. Idempotent for a running
// process.
func (p *LinuxProcess) Resume() error {
	return p.signal(unix.SIGCONT, "resume")
}

func (p *LinuxProcess) signal(sig unix.Signal, what string) error {
	p.mu.Lock()
	pid := p.pid
	log := p.log
	p.mu.Unlock()

	if pid == 0 {
		return process.ErrProcessNotOpen
	}

	// Raw kill so it works for non-child processes
	if err := unix.Kill(int(pid), sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("failed to %s: process %d is gone", what, pid)
		}
		return fmt.Errorf("failed to %s process %d: %w", what, pid, err)
	}

	log.Debugln("Sent", sig.String(), "to process", int(pid))
	return nil
}

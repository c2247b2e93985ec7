//go:build !windows

package cluster

import "syscall"

// interrupt sends SIGTERM so the host can shut its dispatcher down.
func (p *execProcess) interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

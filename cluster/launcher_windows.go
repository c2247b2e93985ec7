//go:build windows

package cluster

// interrupt kills the host; Windows has no SIGTERM to deliver to a child.
func (p *execProcess) interrupt() error {
	return p.cmd.Process.Kill()
}

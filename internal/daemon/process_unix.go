//go:build unix

package daemon

import "golang.org/x/sys/unix"

// isProcessRunning checks if a process with the given PID exists.
// Signal 0 performs the permission and existence checks without signaling.
func isProcessRunning(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

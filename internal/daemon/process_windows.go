//go:build windows

package daemon

import "golang.org/x/sys/windows"

// isProcessRunning checks if a process with the given PID exists.
func isProcessRunning(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(h)
	return true
}

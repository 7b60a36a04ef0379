//go:build unix

package lock

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. The second return is false when the
// probe is inconclusive.
func processAlive(pid int) (alive bool, known bool) {
	if pid <= 0 {
		return false, false
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, syscall.EPERM):
		// Exists but owned by another user.
		return true, true
	case errors.Is(err, syscall.ESRCH):
		return false, true
	default:
		return false, false
	}
}

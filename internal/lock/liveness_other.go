//go:build !unix

package lock

// processAlive cannot probe processes on this platform; callers fall back to
// heartbeat age.
func processAlive(int) (alive bool, known bool) {
	return false, false
}

//go:build !linux

package sim

// gettid: ohne Thread-IDs teilen sich alle Threads einen Context-Stack
func gettid() int {
	return 0
}

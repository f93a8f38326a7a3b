//go:build linux

package sim

import "golang.org/x/sys/unix"

// gettid identifiziert den OS-Thread; der Context-Stack haengt am Thread
func gettid() int {
	return unix.Gettid()
}

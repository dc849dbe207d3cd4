//go:build unix

package session

import "golang.org/x/sys/unix"

func closeDescriptor(fd int) error {
	return unix.Close(fd)
}

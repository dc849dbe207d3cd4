//go:build unix

package wgengine

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// fdDevice is a tun.Device over an already configured packet descriptor.
// One packet per read or write, no offload.
type fdDevice struct {
	file   *os.File
	name   string
	mtu    int
	events chan tun.Event

	closeOnce sync.Once
	closeErr  error
}

// newFDDevice takes ownership of fd, including on error.
func newFDDevice(fd int, name string, mtu int) (*fdDevice, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun descriptor %d: %w", fd, err)
	}
	if name == "" {
		name = "tun"
	}

	return &fdDevice{
		file:   os.NewFile(uintptr(fd), name),
		name:   name,
		mtu:    mtu,
		events: make(chan tun.Event, 1),
	}, nil
}

func (t *fdDevice) File() *os.File { return t.file }

func (t *fdDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := t.file.Read(bufs[0][offset:])
	if err != nil {
		return 0, err
	}
	sizes[0] = n
	return 1, nil
}

func (t *fdDevice) Write(bufs [][]byte, offset int) (int, error) {
	for i, b := range bufs {
		if _, err := t.file.Write(b[offset:]); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}

func (t *fdDevice) MTU() (int, error) { return t.mtu, nil }

func (t *fdDevice) Name() (string, error) { return t.name, nil }

func (t *fdDevice) Events() <-chan tun.Event { return t.events }

func (t *fdDevice) BatchSize() int { return 1 }

// Close closes the descriptor and the event channel, which the device
// waits on during shutdown.
func (t *fdDevice) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.file.Close()
		close(t.events)
	})
	return t.closeErr
}

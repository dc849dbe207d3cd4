//go:build linux

package wgengine

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// packetPair returns a descriptor for the device side of a packet socket
// pair and a file for the other side.
func packetPair(t *testing.T) (int, *os.File) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatal(err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() { _ = peer.Close() })
	return fds[0], peer
}

// waitClosed reports whether the other end of peer was closed.
func waitClosed(t *testing.T, peer *os.File) {
	t.Helper()

	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	for {
		_, err := peer.Read(buf)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			t.Fatalf("waiting for descriptor close: %v", err)
		}
	}
}

func TestFDDevice(t *testing.T) {
	t.Parallel()

	fd, peer := packetPair(t)
	dev, err := newFDDevice(fd, "tk0", 1280)
	if err != nil {
		t.Fatal(err)
	}

	if name, _ := dev.Name(); name != "tk0" {
		t.Fatalf("got name %q", name)
	}
	if mtu, _ := dev.MTU(); mtu != 1280 {
		t.Fatalf("got mtu %d", mtu)
	}

	pkt := []byte{0x45, 0x00, 0x00, 0x14, 1, 2, 3, 4}
	const offset = 16

	if _, err := peer.Write(pkt); err != nil {
		t.Fatal(err)
	}
	bufs := [][]byte{make([]byte, 2048)}
	sizes := []int{0}
	n, err := dev.Read(bufs, sizes, offset)
	if err != nil || n != 1 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if got := bufs[0][offset : offset+sizes[0]]; !bytes.Equal(got, pkt) {
		t.Fatalf("read % x want % x", got, pkt)
	}

	out := append(make([]byte, offset), pkt...)
	if n, err := dev.Write([][]byte{out, out}, offset); err != nil || n != 2 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for range 2 {
		got := make([]byte, 2048)
		m, err := peer.Read(got)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got[:m], pkt) {
			t.Fatalf("peer got % x", got[:m])
		}
	}

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-dev.Events(); ok {
		t.Fatal("events channel still open")
	}
	waitClosed(t, peer)
}

//go:build !unix

package wgengine

import (
	"errors"

	"golang.zx2c4.com/wireguard/tun"
)

func newFDDevice(int, string, int) (tun.Device, error) {
	return nil, errors.ErrUnsupported
}

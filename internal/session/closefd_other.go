//go:build !unix

package session

import "errors"

func closeDescriptor(int) error {
	return errors.ErrUnsupported
}

//go:build linux
// +build linux

package reactor

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// closeFd closes fd if it is still open.
func closeFd(fd int) error {
	if !isFDValid(fd) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(fd))
}

// exhausted wraps a failed allocation so both the sentinel and the errno match.
func exhausted(op string, err error) error {
	return fmt.Errorf("%w: %w", ErrResourceExhausted, os.NewSyscallError(op, err))
}

func isTemporaryErrno(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

//go:build linux || darwin

package asyncsock

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// signalWakeFd writes a wake-up token. The 8 byte write satisfies eventfd,
// a pipe accepts it as-is. A full pipe or saturated eventfd already
// guarantees a pending wake-up, so EAGAIN is not an error.
func signalWakeFd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// drainWakeFd consumes every pending wake-up token.
func drainWakeFd(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

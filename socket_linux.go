package asyncsock

import (
	"golang.org/x/sys/unix"
)

// ioctlAvailable reports the bytes queued for receipt on a socket.
const ioctlAvailable = unix.SIOCINQ

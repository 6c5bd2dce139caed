package gdb

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// Wait polls fd for readability so dispatch loops only run when the
// transport has pending data. A negative timeout blocks indefinitely.
// It returns true when the descriptor is readable (or hung up).
func Wait(fd int, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errx.Wrap(ErrPoll, err)
		}
		return n > 0, nil
	}
}

package asyncdns

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// transient reports whether a send or read failed for a reason that will
// clear once the socket becomes ready again.
func transient(err error) (yes bool) {
	if err != nil {
		yes = errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) ||
			errors.Is(err, unix.EINTR)
	}
	return
}

// connectInProgress reports whether a non-blocking connect has been
// initiated and will complete via writable readiness.
func connectInProgress(err error) (yes bool) {
	if err != nil {
		yes = errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) ||
			errors.Is(err, unix.EINTR)
	}
	return
}

// isEOF reports whether a stream read error means the peer closed the
// connection.
func isEOF(err error) (yes bool) {
	if err != nil {
		yes = errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET) ||
			errors.Is(err, unix.EPIPE)
	}
	return
}

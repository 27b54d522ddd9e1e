package asyncdns

import "golang.org/x/sys/unix"

// TransportPlugin replaces the raw UDP send and receive pair, for
// transports that wrap DNS packets (encryption, nonces). Send transmits the
// request's encoded packet; to is nil once the channel socket is connected.
// Recv reads one datagram into buf and may identify the request itself
// before the usual transaction-ID match; it returns a nil *Request to fall
// back to ID matching.
type TransportPlugin interface {
	Send(req *Request, fd int, to unix.Sockaddr) (int, error)
	Recv(fd int, buf []byte) (int, *Request, error)
}

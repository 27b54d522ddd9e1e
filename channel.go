package asyncdns

import (
	"encoding/binary"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Syscall entry points, replaceable in tests with an in-memory network.
var (
	sysSocket   = unix.Socket
	sysConnect  = unix.Connect
	sysSendto   = unix.Sendto
	sysWrite    = unix.Write
	sysRead     = unix.Read
	sysWritev   = unix.Writev
	sysRecvfrom = unix.Recvfrom
	sysClose    = unix.Close
)

// send outcomes, interpreted by the request state machine.
const (
	sendFailed = -1 // permanent error
	sendAgain  = 0  // EAGAIN; writable event owns the retry
	sendOK     = 1
)

const maxIDCycles = 32

type chanFlags uint8

const (
	flagTCP chanFlags = 1 << iota
	flagConnected
	flagActive
	flagConnecting
)

// ioChannel owns a single socket to one upstream plus the pending-request
// table demultiplexing replies on it. The resolver and server references
// are weak by construction: they never participate in release decisions.
type ioChannel struct {
	res  *Resolver
	srv  *Server
	fd   int
	peer unix.Sockaddr

	flags   chanFlags
	pending map[uint16]*Request
	uses    uint64
	readEv  Handle

	tcp *tcpState
}

type tcpState struct {
	out          []*outFrame
	curRead      int
	nextReadSize int
	sizeBuf      [2]byte
	readBuf      []byte
	writeEv      Handle
}

// outFrame is one queued TCP query: big-endian length prefix plus packet.
// curWrite counts emitted bytes including the two prefix bytes.
type outFrame struct {
	prefix   [2]byte
	packet   []byte
	curWrite int
}

func newChannel(r *Resolver, srv *Server, tcp bool) (*ioChannel, error) {
	ioc := &ioChannel{
		res:     r,
		srv:     srv,
		fd:      -1,
		flags:   flagActive,
		pending: make(map[uint16]*Request),
	}
	if tcp {
		ioc.flags |= flagTCP
		ioc.tcp = &tcpState{}
	}
	if err := ioc.openSocket(); err != nil {
		return nil, err
	}
	if !tcp {
		// UDP channels read from creation; TCP arms its read after connect.
		ioc.readEv = r.loop.AddRead(ioc.fd, ioc.onReadable)
	}
	return ioc, nil
}

func (ioc *ioChannel) openSocket() error {
	ap := ioc.srv.AddrPort()
	domain := unix.AF_INET
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		domain = unix.AF_INET6
	}
	typ := unix.SOCK_DGRAM
	if ioc.isTCP() {
		typ = unix.SOCK_STREAM
	}
	fd, err := sysSocket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	ioc.fd = fd
	ioc.peer = sockaddrFromAddrPort(ap)
	return nil
}

func sockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = addr.Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port())}
	sa.Addr = addr.As16()
	return sa
}

func (ioc *ioChannel) isTCP() bool      { return ioc.flags&flagTCP != 0 }
func (ioc *ioChannel) connected() bool  { return ioc.flags&flagConnected != 0 }
func (ioc *ioChannel) active() bool     { return ioc.flags&flagActive != 0 }
func (ioc *ioChannel) connecting() bool { return ioc.flags&flagConnecting != 0 }

// send transmits req on this channel. newReq marks a request not yet in
// the pending table: send then resolves ID collisions, installs the
// request, and arms its timer or writable event. For a request already in
// the table the caller owns all eventing.
func (ioc *ioChannel) send(req *Request, newReq bool) int {
	r := ioc.res
	if newReq {
		cycles := 0
		for {
			if _, taken := ioc.pending[req.id]; !taken {
				break
			}
			req.setID(r.permutor.next())
			if cycles++; cycles > maxIDCycles {
				return sendFailed
			}
		}
	}

	if ioc.isTCP() {
		ioc.enqueueFrame(req.packet)
		if !ioc.connected() && !ioc.connecting() {
			if !ioc.startConnect() {
				return sendFailed
			}
		}
		if newReq {
			ioc.pending[req.id] = req
			req.armTimer()
			req.state = stateTCP
		}
		return sendOK
	}

	var err error
	if r.plugin != nil {
		var to unix.Sockaddr
		if !ioc.connected() {
			to = ioc.peer
		}
		_, err = r.plugin.Send(req, ioc.fd, to)
	} else if !ioc.connected() {
		err = sysSendto(ioc.fd, req.packet, 0, ioc.peer)
	} else {
		_, err = sysWrite(ioc.fd, req.packet)
	}
	if err != nil {
		if transient(err) {
			if newReq {
				ioc.pending[req.id] = req
				req.armWrite()
				req.state = stateWaitSend
			}
			return sendAgain
		}
		if ce := r.logger.Check(zap.DebugLevel, "send failed"); ce != nil {
			ce.Write(zap.String("server", ioc.srv.Name), zap.Error(err))
		}
		return sendFailed
	}
	if !ioc.connected() {
		// Pin the socket to the server so subsequent sends skip the
		// address lookup and pick up async ICMP errors.
		if cerr := sysConnect(ioc.fd, ioc.peer); cerr != nil {
			r.logger.Error("cannot connect after sending request",
				zap.String("server", ioc.srv.Name), zap.Error(cerr))
		} else {
			ioc.flags |= flagConnected
		}
	}
	if newReq {
		ioc.pending[req.id] = req
		req.armTimer()
		req.state = stateWaitReply
	}
	return sendOK
}

// startConnect initiates a non-blocking TCP connect. Completion arrives as
// writable readiness and lands in onTCPConnect.
func (ioc *ioChannel) startConnect() bool {
	err := sysConnect(ioc.fd, ioc.peer)
	if err == nil {
		ioc.onTCPConnect()
		return true
	}
	if connectInProgress(err) {
		ioc.flags |= flagConnecting
		if ioc.tcp.writeEv == nil {
			ioc.tcp.writeEv = ioc.res.loop.AddWrite(ioc.fd, ioc.onWritable)
		}
		return true
	}
	ioc.res.logger.Warn("cannot connect TCP channel",
		zap.String("server", ioc.srv.Name), zap.Error(err))
	return false
}

func (ioc *ioChannel) onTCPConnect() {
	ioc.flags |= flagConnected | flagActive
	ioc.flags &^= flagConnecting
	if ioc.readEv == nil {
		ioc.readEv = ioc.res.loop.AddRead(ioc.fd, ioc.onReadable)
	}
}

func (ioc *ioChannel) onWritable(int) {
	if !ioc.connected() {
		ioc.onTCPConnect()
	}
	ioc.flushOutput()
}

func (ioc *ioChannel) enqueueFrame(pkt []byte) {
	f := &outFrame{packet: append([]byte(nil), pkt...)}
	binary.BigEndian.PutUint16(f.prefix[:], uint16(len(pkt)))
	t := ioc.tcp
	t.out = append(t.out, f)
	if t.writeEv == nil {
		t.writeEv = ioc.res.loop.AddWrite(ioc.fd, ioc.onWritable)
	}
}

// flushOutput writes queued frames in FIFO order. A single writev covers
// the unsent portion of the length prefix plus the body.
func (ioc *ioChannel) flushOutput() {
	t := ioc.tcp
	for len(t.out) > 0 {
		f := t.out[0]
		n, err := sysWritev(ioc.fd, f.vectors())
		if err != nil {
			if transient(err) {
				return
			}
			ioc.res.logger.Error("TCP write failed",
				zap.String("server", ioc.srv.Name), zap.Error(err))
			ioc.reset()
			return
		}
		f.curWrite += n
		if f.curWrite-2 >= len(f.packet) {
			t.out = t.out[1:]
			continue
		}
		// Kernel buffer full; the armed writable event resumes us.
		break
	}
	if len(t.out) == 0 && t.writeEv != nil {
		ioc.res.loop.DelWrite(t.writeEv)
		t.writeEv = nil
	}
}

func (f *outFrame) vectors() [][]byte {
	switch f.curWrite {
	case 0:
		return [][]byte{f.prefix[:], f.packet}
	case 1:
		return [][]byte{f.prefix[1:], f.packet}
	}
	return [][]byte{f.packet[f.curWrite-2:]}
}

func (ioc *ioChannel) onReadable(int) {
	if ioc.isTCP() {
		if ioc.connected() {
			ioc.readTCPFrames()
		} else {
			ioc.res.logger.Error("read readiness on non-connected TCP channel",
				zap.String("server", ioc.srv.Name))
		}
		return
	}
	ioc.readUDP()
}

// readTCPFrames drives the framed read state machine, keyed on curRead:
// 0 and 1 accumulate the two length-prefix bytes, ≥2 fills the body. A
// completed frame is handed to the demultiplexer and the loop re-enters
// immediately to drain any further buffered frames.
func (ioc *ioChannel) readTCPFrames() {
	t := ioc.tcp
	for {
		if t.curRead < 2 {
			n, err := sysRead(ioc.fd, t.sizeBuf[t.curRead:2])
			if !ioc.tcpReadOK(n, err) {
				return
			}
			t.curRead += n
			if t.curRead < 2 {
				return
			}
			t.nextReadSize = int(binary.BigEndian.Uint16(t.sizeBuf[:]))
			if t.nextReadSize < dnsHeaderLen {
				ioc.res.logger.Error("truncated TCP frame size",
					zap.String("server", ioc.srv.Name),
					zap.Int("size", t.nextReadSize))
				ioc.reset()
				return
			}
			t.growReadBuf()
		}
		toRead := t.nextReadSize - (t.curRead - 2)
		n, err := sysRead(ioc.fd, t.readBuf[t.curRead-2:t.curRead-2+toRead])
		if !ioc.tcpReadOK(n, err) {
			return
		}
		t.curRead += n
		if t.curRead-2 == t.nextReadSize {
			frame := t.readBuf[:t.nextReadSize]
			t.curRead, t.nextReadSize = 0, 0
			ioc.res.handlePacket(ioc, frame)
			continue
		}
		return
	}
}

// tcpReadOK folds the shared error handling of the framed reader: EOF and
// hard errors reset the channel, EAGAIN/EINTR just suspend.
func (ioc *ioChannel) tcpReadOK(n int, err error) bool {
	if err != nil {
		if transient(err) {
			return false
		}
		msg := "closing TCP channel due to IO error"
		if isEOF(err) {
			msg = "closing TCP channel due to EOF"
		}
		if ce := ioc.res.logger.Check(zap.DebugLevel, msg); ce != nil {
			ce.Write(zap.String("server", ioc.srv.Name), zap.Error(err))
		}
		ioc.reset()
		return false
	}
	if n == 0 {
		if ce := ioc.res.logger.Check(zap.DebugLevel, "closing TCP channel due to EOF"); ce != nil {
			ce.Write(zap.String("server", ioc.srv.Name))
		}
		ioc.reset()
		return false
	}
	return true
}

// growReadBuf lazily sizes the frame buffer, doubling up to the 16-bit
// frame-length ceiling.
func (t *tcpState) growReadBuf() {
	need := t.nextReadSize
	if cap(t.readBuf) < need {
		size := 2 * cap(t.readBuf)
		if size < need {
			size = need
		}
		if size > 0xffff {
			size = 0xffff
		}
		t.readBuf = make([]byte, size)
	}
	t.readBuf = t.readBuf[:cap(t.readBuf)]
}

func (ioc *ioChannel) readUDP() {
	r := ioc.res
	buf := make([]byte, udpPacketSize)
	var req *Request
	var n int
	var err error
	if r.plugin != nil {
		n, req, err = r.plugin.Recv(ioc.fd, buf)
	} else {
		n, _, err = sysRecvfrom(ioc.fd, buf, 0)
	}
	if err != nil {
		return
	}
	if req == nil && n > dnsHeaderLen+minQuestionLen {
		req = ioc.findRequest(buf[:n])
	}
	if req == nil {
		ioc.uses++
		return
	}
	r.deliverUDP(ioc, req, buf[:n])
}

func (ioc *ioChannel) findRequest(in []byte) *Request {
	id := packetID(in)
	req := ioc.pending[id]
	if req == nil {
		ioc.res.logger.Warn("no pending request for transaction id",
			zap.String("server", ioc.srv.Name), zap.Uint16("id", id))
	}
	return req
}

// removeRequest takes req out of the pending table; a retired channel
// closes its socket once the table drains.
func (ioc *ioChannel) removeRequest(req *Request) {
	delete(ioc.pending, req.id)
	if !ioc.active() && len(ioc.pending) == 0 {
		ioc.close()
	}
}

// reset tears the TCP connection down after EOF or an IO error: events
// cancelled, output chain dropped, socket replaced. In-flight requests on
// the channel are left to time out and retry per their state machine.
func (ioc *ioChannel) reset() {
	loop := ioc.res.loop
	if ioc.readEv != nil {
		loop.DelRead(ioc.readEv)
		ioc.readEv = nil
	}
	if t := ioc.tcp; t != nil {
		if t.writeEv != nil {
			loop.DelWrite(t.writeEv)
			t.writeEv = nil
		}
		t.out = nil
		t.curRead, t.nextReadSize = 0, 0
	}
	if ioc.fd >= 0 {
		_ = sysClose(ioc.fd)
		ioc.fd = -1
	}
	ioc.flags &^= flagConnected | flagConnecting
	if !ioc.active() {
		return
	}
	if err := ioc.openSocket(); err != nil {
		ioc.res.logger.Warn("cannot reopen channel socket",
			zap.String("server", ioc.srv.Name), zap.Error(err))
		ioc.flags &^= flagActive
	}
}

// retire marks a rotated channel inactive. The socket stays open while
// requests are still in flight on it.
func (ioc *ioChannel) retire() {
	ioc.flags &^= flagActive
	if len(ioc.pending) == 0 {
		ioc.close()
	}
}

func (ioc *ioChannel) close() {
	loop := ioc.res.loop
	if ioc.readEv != nil {
		loop.DelRead(ioc.readEv)
		ioc.readEv = nil
	}
	if t := ioc.tcp; t != nil {
		if t.writeEv != nil {
			loop.DelWrite(t.writeEv)
			t.writeEv = nil
		}
		t.out = nil
	}
	if ioc.fd >= 0 {
		_ = sysClose(ioc.fd)
		ioc.fd = -1
	}
	ioc.flags &^= flagActive | flagConnected | flagConnecting
}

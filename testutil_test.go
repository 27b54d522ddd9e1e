package asyncdns

import (
	"fmt"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

// fakeLoop is a manually driven EventLoop for deterministic engine tests.
type fakeLoop struct {
	reads     []*fakeFdEvent
	writes    []*fakeFdEvent
	timers    []*fakeTimer
	periodics []*fakeTimer
}

type fakeFdEvent struct {
	fd   int
	cb   func(int)
	dead bool
}

type fakeTimer struct {
	d     time.Duration
	cb    func()
	armed bool
	dead  bool
}

func (l *fakeLoop) AddRead(fd int, cb func(int)) Handle {
	e := &fakeFdEvent{fd: fd, cb: cb}
	l.reads = append(l.reads, e)
	return e
}

func (l *fakeLoop) DelRead(h Handle) { h.(*fakeFdEvent).dead = true }

func (l *fakeLoop) AddWrite(fd int, cb func(int)) Handle {
	e := &fakeFdEvent{fd: fd, cb: cb}
	l.writes = append(l.writes, e)
	return e
}

func (l *fakeLoop) DelWrite(h Handle) { h.(*fakeFdEvent).dead = true }

func (l *fakeLoop) AddTimer(d time.Duration, cb func()) Handle {
	t := &fakeTimer{d: d, cb: cb, armed: true}
	l.timers = append(l.timers, t)
	return t
}

func (l *fakeLoop) RepeatTimer(h Handle) {
	t := h.(*fakeTimer)
	if !t.dead {
		t.armed = true
	}
}

func (l *fakeLoop) DelTimer(h Handle) {
	t := h.(*fakeTimer)
	t.dead = true
	t.armed = false
}

func (l *fakeLoop) AddPeriodic(d time.Duration, cb func()) Handle {
	t := &fakeTimer{d: d, cb: cb, armed: true}
	l.periodics = append(l.periodics, t)
	return t
}

func (l *fakeLoop) DelPeriodic(h Handle) { l.DelTimer(h) }

// fireReadable dispatches readable readiness for fd.
func (l *fakeLoop) fireReadable(fd int) bool {
	for _, e := range append([]*fakeFdEvent(nil), l.reads...) {
		if !e.dead && e.fd == fd {
			e.cb(fd)
			return true
		}
	}
	return false
}

// fireWritable dispatches writable readiness for fd.
func (l *fakeLoop) fireWritable(fd int) bool {
	for _, e := range append([]*fakeFdEvent(nil), l.writes...) {
		if !e.dead && e.fd == fd {
			e.cb(fd)
			return true
		}
	}
	return false
}

// fireTimers expires every armed one-shot timer once.
func (l *fakeLoop) fireTimers() int {
	fired := 0
	for _, t := range append([]*fakeTimer(nil), l.timers...) {
		if t.armed && !t.dead {
			t.armed = false
			t.cb()
			fired++
		}
	}
	return fired
}

func (l *fakeLoop) firePeriodics() {
	for _, t := range append([]*fakeTimer(nil), l.periodics...) {
		if !t.dead {
			t.cb()
		}
	}
}

func (l *fakeLoop) liveWrites(fd int) (n int) {
	for _, e := range l.writes {
		if !e.dead && e.fd == fd {
			n++
		}
	}
	return
}

func (l *fakeLoop) liveTimers() (n int) {
	for _, t := range l.timers {
		if t.armed && !t.dead {
			n++
		}
	}
	return
}

// fakeNet replaces the syscall seam with an in-memory network.
type fakeNet struct {
	nextFD int
	socks  map[int]*fakeSock
}

type fakeSock struct {
	tcp       bool
	connected bool

	connectErr error
	sendErrs   []error
	sent       [][]byte

	written     []byte
	writevLimit int

	recvQueue [][]byte
	stream    []byte
	readChunk int
	readErr   error
	eof       bool

	closed bool
}

func installFakeNet(t *testing.T) *fakeNet {
	t.Helper()
	n := &fakeNet{nextFD: 100, socks: make(map[int]*fakeSock)}

	origSocket, origConnect, origSendto := sysSocket, sysConnect, sysSendto
	origWrite, origRead, origWritev := sysWrite, sysRead, sysWritev
	origRecvfrom, origClose := sysRecvfrom, sysClose
	t.Cleanup(func() {
		sysSocket, sysConnect, sysSendto = origSocket, origConnect, origSendto
		sysWrite, sysRead, sysWritev = origWrite, origRead, origWritev
		sysRecvfrom, sysClose = origRecvfrom, origClose
	})

	sysSocket = func(domain, typ, proto int) (int, error) {
		fd := n.nextFD
		n.nextFD++
		n.socks[fd] = &fakeSock{tcp: typ&unix.SOCK_STREAM != 0}
		return fd, nil
	}
	sysConnect = func(fd int, sa unix.Sockaddr) error {
		s := n.socks[fd]
		if s.connectErr != nil {
			return s.connectErr
		}
		s.connected = true
		return nil
	}
	sysSendto = func(fd int, p []byte, flags int, to unix.Sockaddr) error {
		return n.socks[fd].push(p)
	}
	sysWrite = func(fd int, p []byte) (int, error) {
		if err := n.socks[fd].push(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	sysWritev = func(fd int, iovs [][]byte) (int, error) {
		s := n.socks[fd]
		if len(s.sendErrs) > 0 {
			err := s.sendErrs[0]
			s.sendErrs = s.sendErrs[1:]
			if err != nil {
				return 0, err
			}
		}
		budget := s.writevLimit
		if budget == 0 {
			budget = 1 << 20
		}
		written := 0
		for _, iov := range iovs {
			chunk := iov
			if len(chunk) > budget-written {
				chunk = chunk[:budget-written]
			}
			s.written = append(s.written, chunk...)
			written += len(chunk)
			if written == budget {
				break
			}
		}
		return written, nil
	}
	sysRead = func(fd int, p []byte) (int, error) {
		s := n.socks[fd]
		if len(s.stream) == 0 {
			if s.readErr != nil {
				return 0, s.readErr
			}
			if s.eof {
				return 0, nil
			}
			return 0, unix.EAGAIN
		}
		limit := len(p)
		if s.readChunk > 0 && s.readChunk < limit {
			limit = s.readChunk
		}
		nn := copy(p[:limit], s.stream)
		s.stream = s.stream[nn:]
		return nn, nil
	}
	sysRecvfrom = func(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
		s := n.socks[fd]
		if len(s.recvQueue) == 0 {
			return 0, nil, unix.EAGAIN
		}
		pkt := s.recvQueue[0]
		s.recvQueue = s.recvQueue[1:]
		return copy(p, pkt), nil, nil
	}
	sysClose = func(fd int) error {
		if s := n.socks[fd]; s != nil {
			s.closed = true
		}
		return nil
	}
	return n
}

func (s *fakeSock) push(p []byte) error {
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

// newTestResolver builds an initialized resolver with one UDP and one TCP
// channel per server, backed by the fake loop and network.
func newTestResolver(t *testing.T, serverCount int) (*Resolver, *fakeLoop, *fakeNet) {
	t.Helper()
	fn := installFakeNet(t)
	loop := &fakeLoop{}
	r := New(0)
	r.BindEventLoop(loop)
	for i := 0; i < serverCount; i++ {
		if _, err := r.AddServer(fmt.Sprintf("192.0.2.%d", i+1), 53, 0, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r, loop, fn
}

// replyTo unpacks a captured query and builds a matching reply packet.
func replyTo(t *testing.T, query []byte, mut func(*dns.Msg)) []byte {
	t.Helper()
	var q dns.Msg
	if err := q.Unpack(query); err != nil {
		t.Fatal(err)
	}
	m := new(dns.Msg)
	m.SetReply(&q)
	if mut != nil {
		mut(m)
	}
	pkt, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func aRecord(name string, ttl uint32, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: parseIP4(ip),
	}
}

func parseIP4(s string) (ip []byte) {
	var a, b, c, d int
	fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	return []byte{byte(a), byte(b), byte(c), byte(d)}
}

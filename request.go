package asyncdns

import (
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

type reqState uint8

const (
	stateNew reqState = iota
	stateWaitSend
	stateWaitReply
	stateTCP
	stateFake
	stateReplied
)

// Request is one in-flight query. It lives in exactly one channel's
// pending table while its state is WaitSend, WaitReply or TCP, and its
// callback fires exactly once over its lifetime.
type Request struct {
	res *Resolver
	ioc *ioChannel

	id          uint16
	packet      []byte
	questions   []requestQuestion
	cb          Callback
	retransmits int
	timeout     time.Duration
	state       reqState

	ev        Handle
	evIsTimer bool

	reply *Reply // pre-built fake reply, delivered on the next writable tick
}

// ID returns the request's current transaction ID.
func (req *Request) ID() uint16 { return req.id }

// Packet returns the request's encoded wire packet. The first two bytes
// always hold the transaction ID in network byte order.
func (req *Request) Packet() []byte { return req.packet }

func (req *Request) setID(id uint16) {
	req.id = id
	if len(req.packet) >= 2 {
		rewritePacketID(req.packet, id)
	}
}

func (req *Request) armTimer() {
	req.ev = req.res.loop.AddTimer(req.timeout, req.onTimer)
	req.evIsTimer = true
}

func (req *Request) armWrite() {
	req.ev = req.res.loop.AddWrite(req.ioc.fd, req.onWritable)
	req.evIsTimer = false
}

// unschedule cancels the request's armed event and optionally removes it
// from its channel's pending table.
func (req *Request) unschedule(remove bool) {
	if req.ev != nil {
		if req.evIsTimer {
			req.res.loop.DelTimer(req.ev)
		} else {
			req.res.loop.DelWrite(req.ev)
		}
		req.ev = nil
	}
	if remove && req.ioc != nil {
		req.ioc.removeRequest(req)
	}
}

// complete finalizes the request and invokes the callback exactly once.
// The callback may create new requests.
func (req *Request) complete(rep *Reply) {
	req.state = stateReplied
	cb := req.cb
	req.cb = nil
	if cb != nil {
		cb(rep)
	}
	req.releaseChannel()
}

func (req *Request) bindChannel(ioc *ioChannel) {
	req.ioc = ioc
	ioc.uses++
}

func (req *Request) releaseChannel() {
	if ioc := req.ioc; ioc != nil {
		req.ioc = nil
		if !ioc.active() && len(ioc.pending) == 0 {
			ioc.close()
		}
	}
}

// MakeRequest builds and sends a query for one or more questions. The
// callback always fires from an event-loop handler, never synchronously.
// timeout is the per-attempt deadline; repeats is the total send budget
// across retransmits and is coerced to at least 1.
func (r *Resolver) MakeRequest(cb Callback, timeout time.Duration, repeats int, questions ...Question) (*Request, error) {
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if len(questions) == 0 {
		return nil, ErrInvalidName
	}
	req := &Request{res: r, cb: cb, timeout: timeout, state: stateNew}
	var err error
	if req.questions, err = buildQuestions(questions); err != nil {
		return nil, err
	}
	req.retransmits = repeats
	if req.retransmits < 1 {
		req.retransmits = 1
	}

	if len(req.questions) == 1 && len(req.questions[0].name) < maxFakeName {
		if fake := r.lookupFake(req.questions[0].name, req.questions[0].qtype); fake != nil {
			req.reply = &Reply{Request: req, Rcode: fake.rcode, Entries: fake.entries}
			req.state = stateFake
		}
	}

	if req.state != stateFake {
		req.setID(r.permutor.next())
		if req.packet, err = encodePacket(req.id, req.questions, r.dnssec); err != nil {
			return nil, err
		}
	}

	serv := r.selectUpstream(req, false, nil)
	if serv == nil {
		r.logger.Warn("cannot find suitable server for request")
		return nil, ErrNoServers
	}
	req.bindChannel(serv.randomUDPChannel())

	if req.state == stateFake {
		// Reuse the event loop for delivery; no bytes hit the wire.
		req.armWrite()
		return req, nil
	}

	for {
		if req.ioc.send(req, true) != sendFailed {
			break
		}
		req.retransmits--
		r.upstreamFail(serv, "send IO error")
		if req.retransmits <= 0 {
			return nil, ErrSendFailed
		}
		if serv = r.selectUpstream(req, true, serv); serv == nil {
			r.logger.Warn("cannot find suitable server for request")
			return nil, ErrNoServers
		}
		req.bindChannel(serv.randomUDPChannel())
	}
	return req, nil
}

// onWritable retransmits over UDP once the socket drains, or delivers a
// pre-built fake reply.
func (req *Request) onWritable(int) {
	if req.ev != nil {
		req.res.loop.DelWrite(req.ev)
		req.ev = nil
	}
	if req.state == stateFake {
		req.complete(req.reply)
		return
	}
	switch req.ioc.send(req, false) {
	case sendAgain:
		req.armWrite()
		req.state = stateWaitSend
	case sendFailed:
		req.res.upstreamFail(req.ioc.srv, "retransmit send failed")
		req.ioc.removeRequest(req)
		req.complete(newReply(req, RcodeNetErr))
	default:
		req.armTimer()
		req.state = stateWaitReply
	}
}

// onTimer drives retransmission: same-channel resend, failover to another
// server, or a terminal TIMEOUT/NETERR reply.
func (req *Request) onTimer() {
	r := req.res
	req.retransmits--
	r.upstreamFail(req.ioc.srv, "timeout waiting reply")

	if req.state == stateTCP {
		// No TCP retransmit.
		req.unschedule(true)
		req.complete(newReply(req, RcodeTimeout))
		return
	}
	if req.retransmits == 0 {
		req.unschedule(true)
		req.complete(newReply(req, RcodeTimeout))
		return
	}

	// A request in WaitSend holds a writable registration rather than a
	// timer; it is cancelled here before the retransmit.
	if req.state == stateWaitSend && req.ev != nil && !req.evIsTimer {
		r.loop.DelWrite(req.ev)
		req.ev = nil
	}

	renew := false
	if !req.ioc.active() || r.upstreamCount() > 1 {
		if ce := r.logger.Check(zap.DebugLevel, "reschedule request"); ce != nil {
			ce.Write(zap.Uint16("id", req.id))
		}
		prev := req.ioc.srv
		req.unschedule(true)
		req.releaseChannel()
		serv := r.selectUpstream(req, true, prev)
		if serv == nil {
			r.logger.Warn("cannot find suitable server for request")
			req.complete(newReply(req, dns.RcodeServerFailure))
			return
		}
		req.bindChannel(serv.randomUDPChannel())
		req.setID(r.permutor.next())
		renew = true
	}

	// With renew set, send installs the pending-table entry and arms the
	// timer itself.
	switch req.ioc.send(req, renew) {
	case sendAgain:
		// The expired timer is dropped and only a writable event stays
		// armed: no timer runs, and the retransmit counter does not
		// advance, until that event fires and the send completes.
		if !renew {
			if req.ev != nil && req.evIsTimer {
				r.loop.DelTimer(req.ev)
				req.ev = nil
			}
			req.armWrite()
		}
		req.state = stateWaitSend
	case sendFailed:
		r.upstreamFail(req.ioc.srv, "cannot send retransmit after timeout")
		if !renew {
			req.unschedule(true)
		}
		req.complete(newReply(req, RcodeNetErr))
	default:
		if !renew {
			if req.ev != nil {
				r.loop.RepeatTimer(req.ev)
			} else {
				req.armTimer()
			}
		}
		req.state = stateWaitReply
	}
}

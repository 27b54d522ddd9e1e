package asyncdns

import (
	"go.uber.org/zap"
)

// handlePacket matches a complete TCP frame to its pending request on the
// receiving channel and delivers the parsed reply.
func (r *Resolver) handlePacket(ioc *ioChannel, in []byte) {
	req := ioc.findRequest(in)
	if req == nil {
		return
	}
	rep, ok := decodeReply(in, req)
	if !ok {
		if ce := r.logger.Check(zap.DebugLevel, "ignoring mismatched reply"); ce != nil {
			ce.Write(zap.String("server", ioc.srv.Name), zap.Uint16("id", req.id))
		}
		return
	}
	r.upstreamOK(ioc.srv)
	req.unschedule(true)
	req.complete(rep)
}

// deliverUDP handles a datagram already matched to req. A truncated reply
// is upgraded to TCP when the server has a TCP channel; otherwise the
// truncated reply is delivered as-is.
func (r *Resolver) deliverUDP(ioc *ioChannel, req *Request, in []byte) {
	rep, ok := decodeReply(in, req)
	if !ok {
		// Malformed or mismatched packet: drop it and leave the request
		// pending until its timeout.
		if ce := r.logger.Check(zap.DebugLevel, "ignoring mismatched reply"); ce != nil {
			ce.Write(zap.String("server", ioc.srv.Name), zap.Uint16("id", req.id))
		}
		return
	}
	r.upstreamOK(ioc.srv)
	req.unschedule(true)
	if rep.Truncated() && len(ioc.srv.tcp) > 0 {
		if ce := r.logger.Check(zap.DebugLevel, "truncated UDP reply"); ce != nil {
			ce.Write(zap.String("name", req.questions[0].name))
		}
		if r.rescheduleOverTCP(req) {
			return
		}
		// No usable TCP channel; the truncated reply is all we have.
	}
	req.complete(rep)
}

// rescheduleOverTCP moves a truncated request onto one of its server's TCP
// channels with a freshly drawn transaction ID. The caller has already
// unscheduled the request from its UDP channel. Once here there is no way
// back to UDP: if the TCP connect fails later the request times out.
func (r *Resolver) rescheduleOverTCP(req *Request) bool {
	serv := req.ioc.srv
	ioc := serv.randomTCPChannel()
	if !ioc.connected() && !ioc.connecting() {
		if !ioc.startConnect() {
			return false
		}
	}
	req.setID(r.permutor.next())
	for {
		if _, taken := ioc.pending[req.id]; !taken {
			break
		}
		req.setID(r.permutor.next())
	}
	ioc.enqueueFrame(req.packet)
	req.ioc = ioc
	ioc.pending[req.id] = req
	req.armTimer()
	req.state = stateTCP
	return true
}

// onPeriodic is the default housekeeping tick: rescan upstream health and
// close idle TCP connections.
func (r *Resolver) onPeriodic() {
	if r.ups == nil {
		r.orderServers()
	}
	for _, serv := range r.servers {
		for _, ioc := range serv.tcp {
			if ioc.connected() && len(ioc.pending) == 0 {
				if ce := r.logger.Check(zap.DebugLevel, "reset idle TCP connection"); ce != nil {
					ce.Write(zap.String("server", serv.Name))
				}
				ioc.reset()
			}
		}
	}
}

// onIOCRefresh rotates UDP channels whose uses exceeded the configured
// ceiling. The replacement takes the slot immediately; the old channel is
// retired and drains its in-flight requests before closing.
func (r *Resolver) onIOCRefresh() {
	if r.maxIOCUses == 0 {
		return
	}
	for _, serv := range r.servers {
		for i, ioc := range serv.udp {
			if ioc.uses > r.maxIOCUses {
				nioc, err := newChannel(r, serv, false)
				if err != nil {
					r.logger.Error("cannot create replacement channel",
						zap.String("server", serv.Name), zap.Error(err))
					continue
				}
				serv.udp[i] = nioc
				if ce := r.logger.Check(zap.DebugLevel, "refreshing io channel"); ce != nil {
					ce.Write(zap.String("server", serv.Name), zap.Uint64("uses", ioc.uses))
				}
				ioc.retire()
			}
		}
	}
}

package asyncdns

import (
	"sort"
	"time"
)

// UpstreamElt is one selectable upstream as seen by an Upstream policy.
// Every element carries a back-pointer to its server record; Data is opaque
// to the resolver.
type UpstreamElt struct {
	Server *Server
	Data   any
}

// Upstream is the pluggable upstream-selection policy. Select picks a
// server for a new request, SelectRetransmit picks a (preferably different)
// server for a retry, and Ok/Fail feed the policy's health accounting.
// A nil return from either selector makes the resolver fall back to its
// built-in round-robin.
type Upstream interface {
	Select(name string) *UpstreamElt
	SelectRetransmit(name string, prev *UpstreamElt) *UpstreamElt
	Ok(e *UpstreamElt)
	Fail(e *UpstreamElt, reason string)
	Count() int
}

// Built-in fallback policy: priority-ordered round-robin with failure
// demotion. Servers that failed recently sort behind healthy ones of the
// same priority; the periodic rescan forgives old failures and reorders.

const upstreamReviveTime = 60 * time.Second

func (r *Resolver) selectUpstream(req *Request, retransmit bool, prev *Server) (serv *Server) {
	if r.ups != nil {
		var elt *UpstreamElt
		name := req.questions[0].name
		if retransmit && prev != nil {
			elt = r.ups.SelectRetransmit(name, prev.upsElt)
		} else {
			elt = r.ups.Select(name)
		}
		if elt != nil {
			serv = elt.Server
			serv.upsElt = elt
			return
		}
	}
	return r.selectRoundRobin(retransmit, prev)
}

func (r *Resolver) selectRoundRobin(retransmit bool, prev *Server) (serv *Server) {
	n := len(r.servers)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		cand := r.servers[r.rrNext%uint(n)]
		r.rrNext++
		if retransmit && n > 1 && cand == prev {
			continue
		}
		serv = cand
		break
	}
	return
}

func (r *Resolver) upstreamOK(s *Server) {
	if r.ups != nil && s.upsElt != nil {
		r.ups.Ok(s.upsElt)
		return
	}
	s.fails = 0
}

func (r *Resolver) upstreamFail(s *Server, reason string) {
	if r.ups != nil && s.upsElt != nil {
		r.ups.Fail(s.upsElt, reason)
		return
	}
	s.fails++
	s.lastFail = r.now()
}

func (r *Resolver) upstreamCount() int {
	if r.ups != nil {
		return r.ups.Count()
	}
	return len(r.servers)
}

// orderServers sorts the server list so the round-robin walks healthy,
// high-priority servers first. Failures older than the revive time are
// forgiven.
func (r *Resolver) orderServers() {
	now := r.now()
	for _, s := range r.servers {
		if s.fails > 0 && now.Sub(s.lastFail) > upstreamReviveTime {
			s.fails = 0
		}
	}
	sort.SliceStable(r.servers, func(i, j int) bool {
		a, b := r.servers[i], r.servers[j]
		if a.fails != b.fails {
			return a.fails < b.fails
		}
		return a.Priority > b.Priority
	})
}

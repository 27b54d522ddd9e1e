// Package asyncdns implements an asynchronous recursive-client DNS
// resolver using github.com/miekg/dns for the wire format, driven by an
// event loop owned by the host application.
package asyncdns

import (
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

var ErrNoEventLoop = errors.New("asyncdns: no event loop bound")

var (
	timeNow  = time.Now
	randIntN = rand.IntN
)

// Flags configure a resolver at construction.
type Flags uint32

const (
	// FlagDNSSEC sets the EDNS0 DO bit on every query. The AD bit of a
	// reply is surfaced whether or not this flag is set.
	FlagDNSSEC Flags = 1 << iota
)

// Resolver aggregates the upstream servers, the event-loop adapter, the
// optional upstream-selection and transport plugins, and the fake-reply
// table. Configure it fully, then call Init before issuing requests.
//
// The resolver is single-threaded by contract: every method after Init and
// every callback runs on the event loop's dispatch goroutine.
type Resolver struct {
	loop     EventLoop
	servers  []*Server
	ups      Upstream
	plugin   TransportPlugin
	logger   *zap.Logger
	permutor *permutor
	fakes    map[fakeKey]*fakeReply

	flags         Flags
	dnssec        bool
	maxIOCUses    uint64
	refreshPeriod time.Duration
	initialized   bool

	rrNext     uint
	periodicEv Handle
	refreshEv  Handle
}

// New returns an unconfigured resolver. Bind an event loop and add at
// least one server, then call Init.
func New(flags Flags) *Resolver {
	return &Resolver{
		flags:    flags,
		dnssec:   flags&FlagDNSSEC != 0,
		logger:   zap.NewNop(),
		permutor: newPermutor(),
	}
}

// BindEventLoop attaches the host application's event loop. Must be called
// before Init.
func (r *Resolver) BindEventLoop(loop EventLoop) {
	if loop != nil {
		r.loop = loop
	}
}

// SetUpstream installs an upstream-selection policy. Without one the
// resolver uses its built-in priority round-robin.
func (r *Resolver) SetUpstream(u Upstream) { r.ups = u }

// SetLogger replaces the default no-op logger. Verbosity is controlled by
// the logger's own level.
func (r *Resolver) SetLogger(lg *zap.Logger) {
	if lg != nil {
		r.logger = lg
	}
}

// SetDNSSEC toggles the EDNS0 DO bit on subsequently built queries.
func (r *Resolver) SetDNSSEC(on bool) { r.dnssec = on }

// RegisterPlugin installs a transport plugin replacing raw UDP send/recv.
func (r *Resolver) RegisterPlugin(p TransportPlugin) { r.plugin = p }

// SetMaxIOUses configures UDP channel rotation: once a channel's use count
// (one per bound request, plus one per received datagram that matches no
// pending request) exceeds n it is replaced at the next refresh tick,
// which runs every period. Rotation mitigates predictable source-port and
// transaction-ID exposure.
func (r *Resolver) SetMaxIOUses(n uint64, period time.Duration) {
	if r.refreshEv != nil {
		if ps, ok := r.loop.(PeriodicScheduler); ok {
			ps.DelPeriodic(r.refreshEv)
		}
		r.refreshEv = nil
	}
	r.maxIOCUses = n
	r.refreshPeriod = period
	if n > 0 && period > 0 && r.loop != nil {
		if ps, ok := r.loop.(PeriodicScheduler); ok {
			r.refreshEv = ps.AddPeriodic(period, r.onIOCRefresh)
		}
	}
}

func (r *Resolver) now() time.Time { return timeNow() }

// Init opens every server's channels and arms periodic housekeeping. It
// must be called once, after binding the loop and adding servers.
func (r *Resolver) Init() error {
	if r.loop == nil {
		return ErrNoEventLoop
	}
	if len(r.servers) == 0 {
		return ErrNoServers
	}
	r.orderServers()
	for _, serv := range r.servers {
		if err := serv.openChannels(r); err != nil {
			return err
		}
	}
	if ps, ok := r.loop.(PeriodicScheduler); ok {
		r.periodicEv = ps.AddPeriodic(upstreamReviveTime, r.onPeriodic)
	}
	r.initialized = true
	return nil
}

// Close tears the resolver down: periodic events are cancelled, every
// channel is closed, and outstanding requests are completed with TIMEOUT
// replies so the exactly-once callback guarantee holds.
func (r *Resolver) Close() {
	if !r.initialized {
		return
	}
	if ps, ok := r.loop.(PeriodicScheduler); ok {
		if r.periodicEv != nil {
			ps.DelPeriodic(r.periodicEv)
			r.periodicEv = nil
		}
		if r.refreshEv != nil {
			ps.DelPeriodic(r.refreshEv)
			r.refreshEv = nil
		}
	}
	for _, serv := range r.servers {
		for _, ioc := range serv.udp {
			r.failPending(ioc)
		}
		for _, ioc := range serv.tcp {
			r.failPending(ioc)
		}
		serv.closeChannels()
	}
	r.initialized = false
}

func (r *Resolver) failPending(ioc *ioChannel) {
	for _, req := range ioc.pending {
		req.unschedule(false)
		req.complete(newReply(req, RcodeTimeout))
	}
	ioc.pending = make(map[uint16]*Request)
}

package asyncdns

import (
	"net/netip"
)

// Synthetic reply codes, placed above the 12-bit wire rcode space so they
// can never collide with a server-provided rcode.
const (
	// RcodeNoRecord means the server answered NOERROR but returned no
	// record of the requested type.
	RcodeNoRecord = 1<<12 + iota
	// RcodeTimeout means all retransmits were exhausted without a reply.
	RcodeTimeout
	// RcodeNetErr means a permanent send error occurred with no
	// retransmits left.
	RcodeNetErr
)

// ReplyFlags carry header bits surfaced from the wire reply.
type ReplyFlags uint8

const (
	// ReplyAuthenticated is set when the reply had the AD bit.
	ReplyAuthenticated ReplyFlags = 1 << iota
	// ReplyTruncated is set when the reply had the TC bit.
	ReplyTruncated
)

// Entry is a single parsed answer resource record.
//
// Which fields are meaningful depends on Type: Addr for A and AAAA, Target
// for NS, CNAME, PTR, MX and SRV, Text for TXT, and the zone fields for SOA.
type Entry struct {
	Name string
	Type uint16
	TTL  uint32

	Addr   netip.Addr
	Target string
	Prio   uint16
	Weight uint16
	Port   uint16
	Text   []string

	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// Reply is the outcome of a request, delivered exactly once to the
// request's callback.
type Reply struct {
	Request *Request
	Rcode   int
	Flags   ReplyFlags
	Entries []Entry
}

// Authenticated reports whether the server set the AD bit.
func (rep *Reply) Authenticated() bool { return rep.Flags&ReplyAuthenticated != 0 }

// Truncated reports whether the server set the TC bit.
func (rep *Reply) Truncated() bool { return rep.Flags&ReplyTruncated != 0 }

// Callback receives the reply for a request. It is always invoked from an
// event-loop handler, never synchronously from MakeRequest, and it may
// create new requests.
type Callback func(*Reply)

func newReply(req *Request, rcode int) *Reply {
	return &Reply{Request: req, Rcode: rcode}
}

package asyncdns

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/idna"
)

const (
	dnsHeaderLen   = 12   // fixed DNS header size
	minQuestionLen = 5    // shortest possible question: root name + type + class
	ednsBufferSize = 1232 // EDNS0 advertised receive size
	udpPacketSize  = 4096 // UDP receive buffer
)

var ErrInvalidName = errors.New("asyncdns: invalid name")

// Question names a single query in a request.
type Question struct {
	Name string
	Type uint16
}

// requestQuestion is a normalized question plus its canonical uncompressed
// wire encoding, kept for byte-comparing reply question sections.
type requestQuestion struct {
	name  string
	wire  []byte
	qtype uint16
}

// normalizeName strips leading dots, trims trailing dot runs, and encodes
// non-ASCII names with IDNA. Two inputs differing only in dot trimming
// normalize to the same form.
func normalizeName(name string) (norm string, err error) {
	norm = strings.TrimLeft(name, ".")
	norm = strings.TrimRight(norm, ".")
	if norm == "" {
		return "", ErrInvalidName
	}
	if !isASCII(norm) {
		if norm, err = idna.Lookup.ToASCII(norm); err != nil {
			return "", ErrInvalidName
		}
	}
	return norm, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// buildQuestions normalizes the caller's question list and precomputes the
// canonical wire name for each entry.
func buildQuestions(qs []Question) (out []requestQuestion, err error) {
	out = make([]requestQuestion, 0, len(qs))
	for _, q := range qs {
		var name string
		if name, err = normalizeName(q.Name); err != nil {
			return nil, err
		}
		var wire []byte
		if wire, err = packName(dns.Fqdn(name)); err != nil {
			return nil, ErrInvalidName
		}
		out = append(out, requestQuestion{name: name, wire: wire, qtype: q.Type})
	}
	return out, nil
}

// packName converts a dotted FQDN to its canonical uncompressed wire
// encoding: length-prefixed labels terminated by the root label.
func packName(fqdn string) ([]byte, error) {
	out := make([]byte, 0, len(fqdn)+1)
	trimmed := strings.TrimSuffix(fqdn, ".")
	if trimmed != "" {
		for _, label := range strings.Split(trimmed, ".") {
			if len(label) == 0 || len(label) > maxLabelLen {
				return nil, ErrInvalidName
			}
			out = append(out, byte(len(label)))
			out = append(out, label...)
		}
	}
	out = append(out, 0)
	if len(out) > maxNameLen {
		return nil, ErrInvalidName
	}
	return out, nil
}

const (
	maxLabelLen = 63
	maxNameLen  = 255
)

// encodePacket builds the query packet: one shared header, all questions,
// and a single EDNS0 OPT at the end of the additional section. Name
// compression is applied only when the packet carries more than one
// question.
func encodePacket(id uint16, questions []requestQuestion, dnssec bool) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Compress = len(questions) > 1
	for _, q := range questions {
		msg.Question = append(msg.Question, dns.Question{
			Name:   dns.Fqdn(q.name),
			Qtype:  q.qtype,
			Qclass: dns.ClassINET,
		})
	}
	msg.SetEdns0(ednsBufferSize, dnssec)
	return msg.Pack()
}

// packetID extracts the transaction ID from a wire packet.
func packetID(in []byte) uint16 {
	return binary.BigEndian.Uint16(in)
}

// rewritePacketID stamps a new transaction ID into the first two bytes of
// an encoded packet.
func rewritePacketID(pkt []byte, id uint16) {
	binary.BigEndian.PutUint16(pkt, id)
}

type answerOutcome int

const (
	parseOK answerOutcome = iota
	parseSkip
	parseFatal
)

// decodeReply parses a wire reply against the request's stored question
// list. The bool result reports whether the packet belongs to the request;
// false means the packet must be dropped and the request left pending.
func decodeReply(in []byte, req *Request) (*Reply, bool) {
	var p dnsmessage.Parser
	h, err := p.Start(in)
	if err != nil {
		return nil, false
	}
	if !h.Response {
		return nil, false
	}

	// The reply's question section must match the request's byte for byte
	// after decompression.
	n := 0
	for {
		q, err := p.Question()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil || n >= len(req.questions) {
			return nil, false
		}
		if !questionMatches(&q, &req.questions[n]) {
			return nil, false
		}
		n++
	}
	if n != len(req.questions) {
		return nil, false
	}

	rep := newReply(req, int(h.RCode))
	if h.AuthenticData {
		rep.Flags |= ReplyAuthenticated
	}
	if h.Truncated {
		rep.Flags |= ReplyTruncated
	}

	found := false
	want := req.questions[0].qtype
	if rep.Rcode == int(dnsmessage.RCodeSuccess) {
		for {
			rh, err := p.AnswerHeader()
			if err != nil {
				// ErrSectionDone ends the walk; a malformed header stops
				// parsing but keeps already-accumulated entries.
				break
			}
			entry, outcome := parseAnswer(&p, rh)
			if outcome == parseFatal {
				break
			}
			if outcome == parseSkip {
				continue
			}
			rep.Entries = append(rep.Entries, entry)
			if entry.Type == want {
				found = true
			}
		}
		if !found && want != dns.TypeANY {
			rep.Rcode = RcodeNoRecord
		}
	}
	return rep, true
}

func questionMatches(q *dnsmessage.Question, rq *requestQuestion) bool {
	if uint16(q.Type) != rq.qtype || q.Class != dnsmessage.ClassINET {
		return false
	}
	wire, err := packName(q.Name.String())
	if err != nil {
		return false
	}
	return bytes.Equal(wire, rq.wire)
}

// parseAnswer consumes one answer RR. Unsupported types are skipped,
// truncated records are fatal.
func parseAnswer(p *dnsmessage.Parser, rh dnsmessage.ResourceHeader) (e Entry, outcome answerOutcome) {
	e = Entry{Name: rh.Name.String(), Type: uint16(rh.Type), TTL: rh.TTL}
	switch rh.Type {
	case dnsmessage.TypeA:
		r, err := p.AResource()
		if err != nil {
			return e, parseFatal
		}
		e.Addr = netip.AddrFrom4(r.A)
	case dnsmessage.TypeAAAA:
		r, err := p.AAAAResource()
		if err != nil {
			return e, parseFatal
		}
		e.Addr = netip.AddrFrom16(r.AAAA)
	case dnsmessage.TypeNS:
		r, err := p.NSResource()
		if err != nil {
			return e, parseFatal
		}
		e.Target = r.NS.String()
	case dnsmessage.TypeCNAME:
		r, err := p.CNAMEResource()
		if err != nil {
			return e, parseFatal
		}
		e.Target = r.CNAME.String()
	case dnsmessage.TypePTR:
		r, err := p.PTRResource()
		if err != nil {
			return e, parseFatal
		}
		e.Target = r.PTR.String()
	case dnsmessage.TypeMX:
		r, err := p.MXResource()
		if err != nil {
			return e, parseFatal
		}
		e.Prio = r.Pref
		e.Target = r.MX.String()
	case dnsmessage.TypeTXT:
		r, err := p.TXTResource()
		if err != nil {
			return e, parseFatal
		}
		e.Text = r.TXT
	case dnsmessage.TypeSRV:
		r, err := p.SRVResource()
		if err != nil {
			return e, parseFatal
		}
		e.Prio = r.Priority
		e.Weight = r.Weight
		e.Port = r.Port
		e.Target = r.Target.String()
	case dnsmessage.TypeSOA:
		r, err := p.SOAResource()
		if err != nil {
			return e, parseFatal
		}
		e.MName = r.NS.String()
		e.RName = r.MBox.String()
		e.Serial = r.Serial
		e.Refresh = r.Refresh
		e.Retry = r.Retry
		e.Expire = r.Expire
		e.Minimum = r.MinTTL
	default:
		if err := p.SkipAnswer(); err != nil {
			return e, parseFatal
		}
		return e, parseSkip
	}
	return e, parseOK
}

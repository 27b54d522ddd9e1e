package asyncdns

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// PTRName returns the reverse-lookup name for an address:
// in-addr.arpa for IPv4 and nibble-reversed ip6.arpa for IPv6.
func PTRName(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.Unmap().As4()
		var b strings.Builder
		for i := len(v4) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(v4[i])))
			b.WriteByte('.')
		}
		b.WriteString("in-addr.arpa")
		return b.String()
	}
	v6 := addr.As16()
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteByte(hexDigits[v6[i]&0xf])
		b.WriteByte('.')
		b.WriteByte(hexDigits[v6[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString("ip6.arpa")
	return b.String()
}

const hexDigits = "0123456789abcdef"

// MakePTRRequest issues a reverse lookup for addr.
func (r *Resolver) MakePTRRequest(cb Callback, timeout time.Duration, repeats int, addr netip.Addr) (*Request, error) {
	return r.MakeRequest(cb, timeout, repeats, Question{Name: PTRName(addr), Type: dns.TypePTR})
}

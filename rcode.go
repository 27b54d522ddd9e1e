package asyncdns

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/miekg/dns"
)

type rcodeError int

func (e rcodeError) Error() string {
	return fmt.Sprintf("dns rcode %s", RcodeToString(int(e)))
}

func (e rcodeError) Is(err error) bool {
	return err == ErrRcode
}

// ErrRcode is matched by every error ErrorFromRcode produces for a code
// without a well-known counterpart in rcodesToErrors.
var ErrRcode = rcodeError(dns.RcodeSuccess)

var rcodesToErrors = map[int]error{
	RcodeTimeout:         os.ErrDeadlineExceeded,
	RcodeNetErr:          net.ErrClosed,
	RcodeNoRecord:        io.EOF,
	dns.RcodeNameError:   os.ErrNotExist,
	dns.RcodeRefused:     os.ErrPermission,
	dns.RcodeFormatError: os.ErrInvalid,
}

// RcodeToString returns the presentation form of a reply code, including
// the synthetic codes this package generates.
func RcodeToString(rcode int) string {
	switch rcode {
	case RcodeNoRecord:
		return "NOREC"
	case RcodeTimeout:
		return "TIMEOUT"
	case RcodeNetErr:
		return "NETERR"
	}
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", rcode)
}

// ErrorFromRcode maps a reply code to a canonical Go error, or nil for
// NOERROR. Codes without a well-known counterpart map to an error matching
// ErrRcode.
func ErrorFromRcode(rcode int) (err error) {
	if rcode != dns.RcodeSuccess {
		var ok bool
		if err, ok = rcodesToErrors[rcode]; !ok {
			err = rcodeError(rcode)
		}
	}
	return
}

// RcodeFromError attempts to map a Go error back to a reply code. It
// understands the well-known errors from the os, io, and net packages and
// returns RcodeNetErr if no mapping is known.
func RcodeFromError(err error) (rcode int) {
	rcode = RcodeNetErr
	if err == nil {
		return dns.RcodeSuccess
	}
	if rcodeErr, ok := err.(rcodeError); ok {
		return int(rcodeErr)
	}
	for code, sample := range rcodesToErrors {
		if errors.Is(err, sample) {
			return code
		}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return RcodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return RcodeTimeout
	}
	return
}

package asyncdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestInitRequiresLoopAndServers(t *testing.T) {
	installFakeNet(t)
	r := New(0)
	if err := r.Init(); err != ErrNoEventLoop {
		t.Fatalf("err=%v, want ErrNoEventLoop", err)
	}
	r.BindEventLoop(&fakeLoop{})
	if err := r.Init(); err != ErrNoServers {
		t.Fatalf("err=%v, want ErrNoServers", err)
	}
	if _, err := r.AddServer("192.0.2.1", 53, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
}

func TestAddServerValidation(t *testing.T) {
	r := New(0)
	if _, err := r.AddServer("not-an-ip", 53, 0, 1); err != ErrBadServerAddr {
		t.Errorf("err=%v, want ErrBadServerAddr", err)
	}
	if _, err := r.AddServer("192.0.2.1", 0, 0, 1); err != ErrBadServerPort {
		t.Errorf("err=%v, want ErrBadServerPort", err)
	}
	if _, err := r.AddServer("192.0.2.1", 70000, 0, 1); err != ErrBadServerPort {
		t.Errorf("err=%v, want ErrBadServerPort", err)
	}
	if _, err := r.AddServer("192.0.2.1", 53, 0, 0); err != ErrBadChannelCnt {
		t.Errorf("err=%v, want ErrBadChannelCnt", err)
	}
	if _, err := r.AddServer("2001:db8::1", 53, 0, 2); err != nil {
		t.Errorf("IPv6 literal rejected: %v", err)
	}
}

func TestMakeRequestBeforeInitFails(t *testing.T) {
	r := New(0)
	if _, err := r.MakeRequest(func(*Reply) {}, time.Second, 1,
		Question{Name: "example.com", Type: dns.TypeA}); err != ErrNotInitialized {
		t.Fatalf("err=%v, want ErrNotInitialized", err)
	}
}

func TestMakeRequestRejectsInvalidName(t *testing.T) {
	r, _, _ := newTestResolver(t, 1)
	if _, err := r.MakeRequest(func(*Reply) {}, time.Second, 1,
		Question{Name: ".", Type: dns.TypeA}); err != ErrInvalidName {
		t.Fatalf("err=%v, want ErrInvalidName", err)
	}
	if _, err := r.MakeRequest(func(*Reply) {}, time.Second, 1); err != ErrInvalidName {
		t.Fatalf("err=%v, want ErrInvalidName", err)
	}
}

func TestZeroRetransmitsCoercedToOne(t *testing.T) {
	r, _, _ := newTestResolver(t, 1)
	req, err := r.MakeRequest(func(*Reply) {}, time.Second, 0,
		Question{Name: "example.com", Type: dns.TypeA})
	if err != nil {
		t.Fatal(err)
	}
	if req.retransmits != 1 {
		t.Fatalf("retransmits %d, want 1", req.retransmits)
	}
}

func TestFakeReplyTableMergeAndDelete(t *testing.T) {
	r := New(0)
	r.SetFakeReply("Example.COM", dns.TypeA, dns.RcodeSuccess, []Entry{{Type: dns.TypeA}})
	fake := r.lookupFake("example.com", dns.TypeA)
	if fake == nil {
		t.Fatal("fake reply not found under lowercased key")
	}
	if len(fake.entries) != 1 {
		t.Fatalf("%d entries, want 1", len(fake.entries))
	}

	// Re-registering the same key appends entries and updates the rcode.
	r.SetFakeReply("example.com.", dns.TypeA, dns.RcodeNameError, []Entry{{Type: dns.TypeA}})
	fake = r.lookupFake("example.com", dns.TypeA)
	if fake.rcode != dns.RcodeNameError || len(fake.entries) != 2 {
		t.Fatalf("merge failed: %+v", fake)
	}

	if r.lookupFake("example.com", dns.TypeAAAA) != nil {
		t.Error("type is not part of the key")
	}

	r.DeleteFakeReply("example.com", dns.TypeA)
	if r.lookupFake("example.com", dns.TypeA) != nil {
		t.Error("fake reply not deleted")
	}
}

func TestPacketIDInvariantWhilePending(t *testing.T) {
	r, loop, _ := newTestResolver(t, 2)
	req, err := r.MakeRequest(func(*Reply) {}, time.Second, 3,
		Question{Name: "example.com", Type: dns.TypeA})
	if err != nil {
		t.Fatal(err)
	}
	check := func(when string) {
		t.Helper()
		if packetID(req.Packet()) != req.ID() {
			t.Fatalf("%s: packet id %#x, request id %#x", when, packetID(req.Packet()), req.ID())
		}
		if req.ioc.pending[req.id] != req {
			t.Fatalf("%s: request not under its id in the pending table", when)
		}
	}
	check("after send")
	loop.fireTimers()
	check("after failover")
}

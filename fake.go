package asyncdns

import "strings"

// maxFakeName bounds the names eligible for fake-reply lookup.
const maxFakeName = 255

type fakeKey struct {
	name  string
	qtype uint16
}

type fakeReply struct {
	rcode   int
	entries []Entry
}

// SetFakeReply configures a synthetic answer for (name, qtype). Requests
// with exactly one matching question are completed from the table on the
// next writable tick without any socket traffic. Calling it again for the
// same key updates the rcode and appends entries.
func (r *Resolver) SetFakeReply(name string, qtype uint16, rcode int, entries []Entry) {
	key, ok := fakeKeyFor(name, qtype)
	if !ok {
		return
	}
	if r.fakes == nil {
		r.fakes = make(map[fakeKey]*fakeReply)
	}
	if fake := r.fakes[key]; fake != nil {
		fake.rcode = rcode
		fake.entries = append(fake.entries, entries...)
		return
	}
	r.fakes[key] = &fakeReply{rcode: rcode, entries: entries}
}

// DeleteFakeReply removes a configured synthetic answer.
func (r *Resolver) DeleteFakeReply(name string, qtype uint16) {
	if key, ok := fakeKeyFor(name, qtype); ok {
		delete(r.fakes, key)
	}
}

func (r *Resolver) lookupFake(name string, qtype uint16) *fakeReply {
	if len(r.fakes) == 0 {
		return nil
	}
	return r.fakes[fakeKey{name: strings.ToLower(name), qtype: qtype}]
}

func fakeKeyFor(name string, qtype uint16) (key fakeKey, ok bool) {
	norm, err := normalizeName(name)
	if err != nil || len(norm) >= maxFakeName {
		return key, false
	}
	return fakeKey{name: strings.ToLower(norm), qtype: qtype}, true
}

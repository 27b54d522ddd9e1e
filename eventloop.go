package asyncdns

import "time"

// Handle identifies an armed event registration. Its concrete type belongs
// to the event loop that created it.
type Handle = any

// EventLoop is the capability set the resolver needs from the host
// application's event loop. All callbacks must be dispatched from a single
// goroutine, never overlapping; the resolver holds no locks.
//
// Write readiness is delivered to the closure registered with AddWrite, so
// the loop never has to know whether the writer is a channel flushing TCP
// or a request retransmitting UDP.
type EventLoop interface {
	// AddRead arms a persistent readable event for fd.
	AddRead(fd int, cb func(fd int)) Handle
	// DelRead cancels a readable registration.
	DelRead(h Handle)
	// AddWrite arms a persistent writable event for fd.
	AddWrite(fd int, cb func(fd int)) Handle
	// DelWrite cancels a writable registration.
	DelWrite(h Handle)
	// AddTimer arms a one-shot timer.
	AddTimer(d time.Duration, cb func()) Handle
	// RepeatTimer re-arms a one-shot timer for its original duration.
	RepeatTimer(h Handle)
	// DelTimer cancels a timer.
	DelTimer(h Handle)
}

// PeriodicScheduler is the optional periodic-event capability. A loop that
// does not implement it simply disables the resolver's housekeeping.
type PeriodicScheduler interface {
	AddPeriodic(d time.Duration, cb func()) Handle
	DelPeriodic(h Handle)
}

// Package eventloop provides a single-goroutine epoll event loop with
// one-shot, repeatable, and periodic timers. It implements the adapter
// interfaces the asyncdns resolver consumes, for hosts that do not bring
// an event loop of their own.
package eventloop

import (
	"container/heap"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is an epoll-driven event loop. All callbacks are dispatched from
// the goroutine running Run, one at a time.
type Loop struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	fds    map[int]*fdState
	timers timerHeap
	closed bool
}

type fdState struct {
	fd      int
	readCB  func(int)
	writeCB func(int)
}

type timer struct {
	when     time.Time
	d        time.Duration
	cb       func()
	periodic bool
	removed  bool
	armed    bool
	index    int
}

// New creates a loop. Call Run to start dispatching.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	l := &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*fdState),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// AddRead arms a persistent readable event for fd.
func (l *Loop) AddRead(fd int, cb func(int)) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.fds[fd]
	op := unix.EPOLL_CTL_MOD
	if st == nil {
		st = &fdState{fd: fd}
		l.fds[fd] = st
		op = unix.EPOLL_CTL_ADD
	}
	st.readCB = cb
	l.ctl(op, st)
	return st
}

// DelRead cancels a readable registration.
func (l *Loop) DelRead(h any) {
	st, ok := h.(*fdState)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st.readCB = nil
	l.update(st)
}

// AddWrite arms a persistent writable event for fd.
func (l *Loop) AddWrite(fd int, cb func(int)) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.fds[fd]
	op := unix.EPOLL_CTL_MOD
	if st == nil {
		st = &fdState{fd: fd}
		l.fds[fd] = st
		op = unix.EPOLL_CTL_ADD
	}
	st.writeCB = cb
	l.ctl(op, st)
	return st
}

// DelWrite cancels a writable registration.
func (l *Loop) DelWrite(h any) {
	st, ok := h.(*fdState)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st.writeCB = nil
	l.update(st)
}

// update re-registers or removes an fd according to its remaining
// callbacks. Callers hold l.mu.
func (l *Loop) update(st *fdState) {
	if st.readCB == nil && st.writeCB == nil {
		delete(l.fds, st.fd)
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
		return
	}
	l.ctl(unix.EPOLL_CTL_MOD, st)
}

func (l *Loop) ctl(op int, st *fdState) {
	var events uint32
	if st.readCB != nil {
		events |= unix.EPOLLIN
	}
	if st.writeCB != nil {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(st.fd)}
	if err := unix.EpollCtl(l.epfd, op, st.fd, &ev); err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, st.fd, &ev)
	}
}

// AddTimer arms a one-shot timer. The returned handle stays valid after
// firing so it can be re-armed with RepeatTimer.
func (l *Loop) AddTimer(d time.Duration, cb func()) any {
	t := &timer{when: time.Now().Add(d), d: d, cb: cb, armed: true}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// RepeatTimer re-arms a timer for its original duration.
func (l *Loop) RepeatTimer(h any) {
	t, ok := h.(*timer)
	if !ok {
		return
	}
	l.mu.Lock()
	if !t.removed {
		t.when = time.Now().Add(t.d)
		if t.armed {
			heap.Fix(&l.timers, t.index)
		} else {
			t.armed = true
			heap.Push(&l.timers, t)
		}
	}
	l.mu.Unlock()
	l.wake()
}

// DelTimer cancels a timer; the handle becomes dead.
func (l *Loop) DelTimer(h any) {
	t, ok := h.(*timer)
	if !ok {
		return
	}
	l.mu.Lock()
	t.removed = true
	if t.armed {
		heap.Remove(&l.timers, t.index)
		t.armed = false
	}
	l.mu.Unlock()
}

// AddPeriodic arms a repeating timer.
func (l *Loop) AddPeriodic(d time.Duration, cb func()) any {
	t := &timer{when: time.Now().Add(d), d: d, cb: cb, periodic: true, armed: true}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// DelPeriodic cancels a periodic timer.
func (l *Loop) DelPeriodic(h any) { l.DelTimer(h) }

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakefd, buf[:])
}

// Run dispatches events until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-stop:
		}
	}()

	events := make([]unix.EpollEvent, 64)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		timeout := -1
		if len(l.timers) > 0 {
			until := time.Until(l.timers[0].when)
			if until < 0 {
				until = 0
			}
			timeout = int(until / time.Millisecond)
			if timeout == 0 && until > 0 {
				timeout = 1
			}
		}
		l.mu.Unlock()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil && err != unix.EINTR {
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.wakefd {
				var buf [8]byte
				_, _ = unix.Read(l.wakefd, buf[:])
				continue
			}
			l.mu.Lock()
			st := l.fds[fd]
			var readCB, writeCB func(int)
			if st != nil {
				if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					readCB = st.readCB
				}
				if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					writeCB = st.writeCB
				}
			}
			l.mu.Unlock()
			if writeCB != nil {
				writeCB(fd)
			}
			if readCB != nil {
				readCB(fd)
			}
		}
		l.fireTimers()
	}
}

func (l *Loop) fireTimers() {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(time.Now()) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*timer)
		t.armed = false
		if t.removed {
			l.mu.Unlock()
			continue
		}
		if t.periodic {
			t.when = time.Now().Add(t.d)
			t.armed = true
			heap.Push(&l.timers, t)
		}
		l.mu.Unlock()
		t.cb()
	}
}

// Close stops the loop and releases its descriptors.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.wake()
	_ = unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

type timerHeap []*timer

var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

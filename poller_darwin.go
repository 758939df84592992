//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package hio

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer implements multiplexer on kqueue, mirroring the BSD
// branch gaio itself carries (watcher.go's build tag covers darwin,
// netbsd, freebsd, openbsd, dragonfly alongside linux) and the
// poller_darwin.go split used by joeycumines-go-utilpkg/eventloop.
//
// kqueue tracks read and write interest as two independent filters, so
// registering R|W means adding both an EVFILT_READ and an EVFILT_WRITE
// entry; del removes both unconditionally (harmless if one was never
// added).
type kqueueMultiplexer struct {
	kq      int
	tags    map[int]any
	eventsB []unix.Kevent_t
}

func newMultiplexer() (multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, wrapErrno("kqueue", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	return &kqueueMultiplexer{
		kq:      kq,
		tags:    make(map[int]any),
		eventsB: make([]unix.Kevent_t, 256),
	}, nil
}

func (p *kqueueMultiplexer) applyChanges(fd int, interest ioInterest) error {
	var changes []unix.Kevent_t
	addOrDel := func(filter int16, want bool) {
		flags := uint16(unix.EV_DELETE)
		if want {
			flags = unix.EV_ADD
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags})
	}
	addOrDel(unix.EVFILT_READ, interest&interestRead != 0)
	addOrDel(unix.EVFILT_WRITE, interest&interestWrite != 0)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err != nil {
		return wrapErrno("mux_kevent", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	return nil
}

func (p *kqueueMultiplexer) add(fd int, interest ioInterest, tag any) error {
	if err := p.applyChanges(fd, interest); err != nil {
		return err
	}
	p.tags[fd] = tag
	return nil
}

func (p *kqueueMultiplexer) mod(fd int, interest ioInterest) error {
	return p.applyChanges(fd, interest)
}

func (p *kqueueMultiplexer) del(fd int) error {
	delete(p.tags, fd)
	_ = p.applyChanges(fd, 0)
	return nil
}

func (p *kqueueMultiplexer) wait(timeout time.Duration) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.eventsB, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wrapErrno("mux_wait", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.eventsB[i].Ident)
		tag, ok := p.tags[fd]
		if !ok {
			continue
		}
		ev := readyEvent{tag: tag}
		switch p.eventsB[i].Filter {
		case unix.EVFILT_READ:
			ev.readable = true
		case unix.EVFILT_WRITE:
			ev.writable = true
		}
		if p.eventsB[i].Flags&unix.EV_ERROR != 0 {
			ev.errFlag = true
		}
		out = append(out, ev)
	}
	return out, nil
}

func (p *kqueueMultiplexer) close() error {
	return unix.Close(p.kq)
}

//go:build linux

package hio

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollMultiplexer implements multiplexer on top of epoll, following the
// golang.org/x/sys/unix wiring used by both ehrlich-b-go-ublk (go.mod) and
// joeycumines-go-utilpkg/eventloop (poller_linux.go), adapted to the
// reactor's single-threaded, map-keyed bookkeeping (mirroring gaio
// watcher.go's descs map[int]*fdDesc rather than eventloop's fixed-size
// array, since the reactor never touches the poller from another
// goroutine and so needs no locking).
type epollMultiplexer struct {
	epfd    int
	tags    map[int]any
	eventsB []unix.EpollEvent
}

func newMultiplexer() (multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, wrapErrno("epoll_create1", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	return &epollMultiplexer{
		epfd:    fd,
		tags:    make(map[int]any),
		eventsB: make([]unix.EpollEvent, 256),
	}, nil
}

func toEpollEvents(i ioInterest) uint32 {
	var ev uint32
	if i&interestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if i&interestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollMultiplexer) add(fd int, interest ioInterest, tag any) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return wrapErrno("mux_add", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	p.tags[fd] = tag
	return nil
}

func (p *epollMultiplexer) mod(fd int, interest ioInterest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return wrapErrno("mux_mod", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	return nil
}

func (p *epollMultiplexer) del(fd int) error {
	delete(p.tags, fd)
	// EPOLL_CTL_DEL on an fd the kernel already closed returns EBADF; that
	// is not a caller-visible error since the goal (no further events) is
	// already satisfied.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *epollMultiplexer) wait(timeout time.Duration) ([]readyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(p.epfd, p.eventsB, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wrapErrno("mux_wait", classifyErrno(err.(unix.Errno)), err.(unix.Errno))
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.eventsB[i].Fd)
		tag, ok := p.tags[fd]
		if !ok {
			// Deleted between epoll_wait returning and us processing the
			// batch (e.g. a prior event in this same batch closed it);
			// contract requires we never deliver for a removed fd.
			continue
		}
		mask := p.eventsB[i].Events
		out = append(out, readyEvent{
			tag:      tag,
			readable: mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			writable: mask&unix.EPOLLOUT != 0,
			errFlag:  mask&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

func (p *epollMultiplexer) close() error {
	return unix.Close(p.epfd)
}

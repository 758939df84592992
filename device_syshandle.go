package hio

import "golang.org/x/sys/unix"

// SysHandleFlags configures an adopted system-handle wrapper device (spec
// §4.4.5).
type SysHandleFlags struct {
	CloseOnDestroy bool // closeRaw() closes the fd; false means caller owns it
	DisableRead    bool
	DisableWrite   bool
	// Notifier, when true, puts the device in "notifier only" mode
	// (original_source/hio/lib/hio-shw.h): OnReady fires once per
	// readiness event with no read/write queueing, no timers — the
	// caller does its own I/O on the adopted fd.
	Notifier bool
	OnReady  func(dev *Device)
}

// sysHandleOps backs the system-handle wrapper device kind: an arbitrary
// pre-existing fd (e.g. an eventfd, a signalfd, or anything else not
// covered by the other four device kinds) adopted into the reactor.
type sysHandleOps struct {
	dev   *Device
	fdNum int
	flags SysHandleFlags
}

// NewSysHandleDevice adopts fd into the reactor. When flags.Notifier is
// set, the device never reads/writes on fd itself; it only fires
// flags.OnReady on each readiness event. Gated by FeatureMux: unlike the
// other four device kinds, a system-handle wrapper grants raw multiplexer
// access to an arbitrary fd rather than owning a concrete resource of its
// own, so it is the one kind that bit disables.
func NewSysHandleDevice(r *Reactor, fd int, flags SysHandleFlags) (*Device, *Error) {
	if r.opts.FeatureMask&FeatureMux == 0 {
		return nil, newErr("new_syshandle", CodeNotSupported, "system-handle device disabled by feature mask")
	}
	ops := &sysHandleOps{fdNum: fd, flags: flags}
	d := r.registerDevice(ops, "syshandle")
	ops.dev = d
	if flags.Notifier {
		// Notifier mode has no read/write queueing concept; readEnabled
		// here only drives multiplexer registration, watched unconditionally.
		d.readEnabled = true
	} else {
		d.readEnabled = !flags.DisableRead
	}
	r.updateInterest(d)
	return d, nil
}

func (s *sysHandleOps) fd() int { return s.fdNum }

func (s *sysHandleOps) zeroWritePolicy() zeroWritePolicy { return zeroWriteShutdown }

func (s *sysHandleOps) readRaw(buf []byte) (int, *Error) {
	if s.flags.DisableRead {
		return 0, newErrDev("read", s.dev.handle, CodeNotSupported, "read disabled on this handle")
	}
	n, err := unix.Read(s.fdNum, buf)
	if err != nil {
		errno := err.(unix.Errno)
		return 0, wrapErrno("read", classifyErrno(errno), errno)
	}
	return n, nil
}

func (s *sysHandleOps) writeRaw(buf []byte) (int, *Error) {
	if s.flags.DisableWrite {
		return 0, newErrDev("write", s.dev.handle, CodeNotSupported, "write disabled on this handle")
	}
	n, err := unix.Write(s.fdNum, buf)
	if err != nil {
		errno := err.(unix.Errno)
		return 0, wrapErrno("write", classifyErrno(errno), errno)
	}
	return n, nil
}

func (s *sysHandleOps) closeRaw() *Error {
	if !s.flags.CloseOnDestroy {
		return nil
	}
	if err := unix.Close(s.fdNum); err != nil {
		errno := err.(unix.Errno)
		return wrapErrno("close", classifyErrno(errno), errno)
	}
	return nil
}

func (s *sysHandleOps) onReady(readable, writable bool) {
	if s.flags.Notifier {
		if s.flags.OnReady != nil {
			s.flags.OnReady(s.dev)
		}
		return
	}
	s.dev.defaultOnReady(readable, writable)
}

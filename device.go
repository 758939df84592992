package hio

import "time"

// State is the device base state machine (spec §4.3):
//
//	NEW -> LIVE -> HALTING -> ZOMBIE -> REAPED
//
// kill() also passes through HALTING; it differs from halt() only in that
// the halt sweep discards pending writes without notifying OnWrite.
type State int

const (
	StateNew State = iota
	StateLive
	StateHalting
	StateZombie
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLive:
		return "live"
	case StateHalting:
		return "halting"
	case StateZombie:
		return "zombie"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Side discriminates which half of a composite IN/OUT device a Device is,
// for device kinds built from a pair of slave Devices (pipe, thread). It is
// the zero value, SideNone, for every other device kind (spec §6: on_close's
// optional side parameter "is present only for pipe/thread devices").
type Side int

const (
	SideNone Side = iota
	SideIn
	SideOut
)

func (s Side) String() string {
	switch s {
	case SideIn:
		return "in"
	case SideOut:
		return "out"
	default:
		return "none"
	}
}

// DeviceHandle is the arena-index handle a caller holds instead of a raw
// pointer (spec §9 redesign note, "replace the intrusive back-pointer with
// an arena index plus generation counter"). Go's garbage collector already
// rules out a literal use-after-free on the Device value; the generation
// counter here instead detects a *logical* stale handle — a caller still
// holding a DeviceHandle from a device that has since been reaped and whose
// arena slot was reused by a new device.
type DeviceHandle struct {
	Index      uint32
	Generation uint32
}

// deviceOps is the capability table a device kind implements (spec §4.4):
// dispatch by table instead of inheritance, the same shape gaio's watcher.go
// gets for free by operating directly on net.Conn/fd but that a multi-kind
// reactor needs spelled out explicitly once sockets, pipes, threads, PTYs
// and adopted handles all live behind one Device.
type deviceOps interface {
	// readRaw attempts one non-blocking read into buf, returning the
	// number of bytes read. It returns ErrWouldBlock-classed errors for
	// "no data yet" rather than treating them as fatal.
	readRaw(buf []byte) (int, *Error)
	// writeRaw attempts one non-blocking write of buf, returning the
	// number of bytes written.
	writeRaw(buf []byte) (int, *Error)
	// closeRaw releases the underlying OS resource(s). Called exactly
	// once, during the reap sweep.
	closeRaw() *Error
	// onReady is invoked by the reactor when the multiplexer reports
	// readability/writability for this device's registered fd(s).
	onReady(readable, writable bool)
	// fd returns the descriptor to register with the multiplexer, or -1
	// if this device kind registers nothing (e.g. a pure notifier).
	fd() int
	// zeroWritePolicy reports whether a zero-length Write is accepted as
	// a shutdown-write sentinel for this device kind (spec §9 open
	// question, resolved per kind).
	zeroWritePolicy() zeroWritePolicy
}

type zeroWritePolicy int

const (
	zeroWriteShutdown zeroWritePolicy = iota
	zeroWriteReject
)

// Device is one L3 unit: base state machine, read/write enable flags,
// per-direction deadlines, the write queue, and user callbacks, wrapping a
// device-kind-specific deviceOps implementation.
type Device struct {
	handle DeviceHandle
	r      *Reactor
	ops    deviceOps
	kind   string

	state State
	side  Side

	readEnabled bool
	readTimer   *timerEntry

	writeQ writeQueue

	haltReason *Error // set when halt()/kill() is first invoked
	killed     bool

	OnRead  func(dev *Device, data []byte, err *Error)
	OnWrite func(dev *Device, ctx any, wrlen int, err *Error)
	OnClose func(dev *Device, reason *Error)
}

// Handle returns the stable arena handle for this device.
func (d *Device) Handle() DeviceHandle { return d.handle }

// State returns the device's current lifecycle state.
func (d *Device) State() State { return d.state }

// Kind names the device kind ("socket_stream", "socket_dgram", "pipe",
// "thread", "pty", "syshandle"), mostly useful for logging.
func (d *Device) Kind() string { return d.kind }

// Side reports which half of a pipe/thread IN/OUT pair this Device is.
// SideNone for every other device kind.
func (d *Device) Side() Side { return d.side }

// alive reports whether the device still accepts new read/write requests.
// A HALTING device is still registered with the reactor (see registered)
// but must reject Read/Write/TimedRead/TimedWrite exactly like a reaped
// one, per spec §4.3's "no error except device not live" contract.
func (d *Device) alive() bool {
	return d.state == StateLive || d.state == StateNew
}

// registered reports whether the device still has bookkeeping the reactor
// must service: dispatch, interest computation, and the halt sweep all
// operate through HALTING so pending I/O can be failed/flushed exactly
// once before finalize() moves it to ZOMBIE and the reap sweep finishes it.
func (d *Device) registered() bool {
	return d.state == StateLive || d.state == StateNew || d.state == StateHalting
}

// Read enables or disables readiness-driven reads (spec §4.3 "read(enabled
// bool)"). Disabling stops OnRead delivery without affecting the write side.
func (d *Device) Read(enabled bool) *Error {
	if !d.alive() {
		return newErrDev("read", d.handle, CodeBadHandle, "device not live")
	}
	d.readEnabled = enabled
	d.r.updateInterest(d)
	return nil
}

// TimedRead enables reads and arms a deadline; if no read completes before
// the deadline, OnRead fires once with CodeTimedOut and reads are disabled.
func (d *Device) TimedRead(deadline time.Time) *Error {
	if !d.alive() {
		return newErrDev("timed_read", d.handle, CodeBadHandle, "device not live")
	}
	d.readEnabled = true
	if d.readTimer != nil {
		d.r.clock.cancel(d.readTimer)
	}
	d.readTimer = d.r.clock.insert(deadline, timerTagReadDeadline, d)
	d.r.updateInterest(d)
	return nil
}

// Write enqueues data for asynchronous delivery (spec §4.3). A zero-length
// write is either a shutdown-write sentinel or rejected, per the device
// kind's zeroWritePolicy (spec §9 resolution, SPEC_FULL.md §13). An
// accepted sentinel makes every later Write fail with CodePipeClosed; when
// the queue reaches it, it is simply dropped: the write side of the
// underlying handle is not shut down or closed.
func (d *Device) Write(data []byte, ctx any) *Error {
	return d.writeTimed(data, ctx, time.Time{})
}

// TimedWrite is Write with a per-chunk deadline; on expiry OnWrite fires for
// that chunk with wrlen=-1 and CodeTimedOut, and the chunk is dropped.
func (d *Device) TimedWrite(data []byte, ctx any, deadline time.Time) *Error {
	return d.writeTimed(data, ctx, deadline)
}

func (d *Device) writeTimed(data []byte, ctx any, deadline time.Time) *Error {
	if !d.alive() {
		return newErrDev("write", d.handle, CodeBadHandle, "device not live")
	}
	if len(data) == 0 && d.ops.zeroWritePolicy() == zeroWriteReject {
		return newErrDev("write", d.handle, CodeInvalidArgument, "zero-length write not supported by this device kind")
	}
	c, err := d.writeQ.enqueue(data, ctx, deadline, d.r.opts.MaxWriteChunk)
	if err != nil {
		err.DeviceID = d.handle
		return err
	}
	if !deadline.IsZero() {
		c.timer = d.r.clock.insert(deadline, timerTagWriteDeadline, chunkOwner{dev: d, chunk: c})
	}
	d.r.updateInterest(d)
	return nil
}

// chunkOwner is the timer owner for a per-chunk write deadline, distinct
// from the device-level read/write timers.
type chunkOwner struct {
	dev   *Device
	chunk *writeChunk
}

// Halt begins cooperative shutdown (spec §4.3, §4.6): transitions LIVE ->
// HALTING and stops accepting new reads/writes. The halt sweep then flushes
// pending writes as failed and moves it to ZOMBIE; the reap sweep after it
// runs closeRaw + OnClose.
func (d *Device) Halt(reason *Error) {
	if d.state == StateZombie || d.state == StateReaped || d.state == StateHalting {
		return
	}
	d.state = StateHalting
	d.haltReason = reason
}

// Kill is the emergency path (spec §4.3, §4.6): it forces HALTING even when
// the device is already halting, and the halt sweep then discards pending
// writes with no failure notification before moving it to ZOMBIE.
func (d *Device) Kill(reason *Error) {
	if d.state == StateZombie || d.state == StateReaped {
		return
	}
	d.killed = true
	d.state = StateHalting
	d.haltReason = reason
}

// defaultOnReady is the shared readiness dispatch every stream-like device
// kind (socket, pipe, thread) delegates to from its onReady: up to
// FairnessCap read attempts when readable and read is enabled, one
// write-queue drain attempt when writable, matching the "at most N
// attempts per armed interest per iteration" shape of gaio's
// tryRead/tryWrite (watcher.go) generalized with the fairness bound spec
// §4.5 names — a single very chatty device cannot starve its siblings
// within one iteration. Further data beyond the cap is redelivered next
// iteration by the multiplexer's level-triggered semantics.
func (d *Device) defaultOnReady(readable, writable bool) {
	if readable && d.readEnabled && d.alive() {
		fairCap := d.r.opts.FairnessCap
		if fairCap < 1 {
			fairCap = 1
		}
		for i := 0; i < fairCap && d.readEnabled && d.alive(); i++ {
			buf := make([]byte, d.r.opts.LargeIOBufferSize)
			n, err := d.ops.readRaw(buf)
			switch {
			case err != nil && (err.Code == CodeWouldBlock || err.Code == CodeInterrupted):
				// no more data this iteration; redelivered next wakeup.
				i = fairCap
			case err != nil:
				if d.readTimer != nil {
					d.r.clock.cancel(d.readTimer)
					d.readTimer = nil
				}
				if d.OnRead != nil {
					d.OnRead(d, nil, err)
				}
				d.Halt(err)
			case n == 0:
				// EOF: half-close on the read side.
				if d.readTimer != nil {
					d.r.clock.cancel(d.readTimer)
					d.readTimer = nil
				}
				if d.OnRead != nil {
					d.OnRead(d, nil, nil)
				}
				d.Halt(nil)
			default:
				if d.readTimer != nil {
					d.r.clock.cancel(d.readTimer)
					d.readTimer = nil
				}
				if d.OnRead != nil {
					d.OnRead(d, buf[:n], nil)
				}
			}
		}
	}

	if writable && d.alive() {
		for !d.writeQ.empty() {
			c := d.writeQ.front()
			if c.shutdown {
				d.writeQ.popFront()
				continue
			}
			n, err := d.ops.writeRaw(c.remaining())
			if n > 0 {
				c.written += n
			}
			if err != nil {
				if err.Code == CodeWouldBlock || err.Code == CodeInterrupted {
					break
				}
				d.writeQ.popFront()
				if c.timer != nil {
					d.r.clock.cancel(c.timer)
				}
				if d.OnWrite != nil {
					d.OnWrite(d, c.ctx, -1, err)
				}
				putChunkBuf(c.buf)
				d.Halt(err)
				return
			}
			if c.done() {
				d.writeQ.popFront()
				if c.timer != nil {
					d.r.clock.cancel(c.timer)
				}
				if d.OnWrite != nil {
					d.OnWrite(d, c.ctx, len(c.buf), nil)
				}
				putChunkBuf(c.buf)
				continue
			}
			break // partial write; remaining bytes wait for next readiness
		}
	}

	d.r.updateInterest(d)
}

// finalize runs during the halt sweep (spec §4.5 step 6, "move to zombie
// list"): cancels timers, fails any pending writes, deregisters from the
// multiplexer, and moves the device to ZOMBIE. It does not touch the
// underlying OS resource or fire OnClose — that is reap's job, run as a
// distinct step (spec §4.5 step 7) so the two never overlap in one pass.
func (d *Device) finalize() {
	if d.readTimer != nil {
		d.r.clock.cancel(d.readTimer)
		d.readTimer = nil
	}
	if d.killed {
		for e := d.writeQ.chunks.Front(); e != nil; e = e.Next() {
			if c := e.Value.(*writeChunk); c.timer != nil {
				d.r.clock.cancel(c.timer)
			}
		}
		d.writeQ.discardAll()
	} else {
		d.writeQ.drainAsFailed(func(c *writeChunk) {
			if c.timer != nil {
				d.r.clock.cancel(c.timer)
			}
			if d.OnWrite != nil {
				d.OnWrite(d, c.ctx, -1, newErrDev("write", d.handle, CodePipeClosed, "device halted with writes pending"))
			}
			putChunkBuf(c.buf)
		})
	}
	if fd := d.ops.fd(); fd >= 0 {
		_ = d.r.mux.del(fd)
	}
	d.state = StateZombie
}

// reap runs during the reap sweep (spec §4.5 step 7, "fire on_close, free
// handles, free memory"): closes the underlying OS resource and invokes
// OnClose exactly once. Only ever called on a device finalize already moved
// to ZOMBIE.
func (d *Device) reap() {
	closeErr := d.ops.closeRaw()
	if d.OnClose != nil {
		reason := d.haltReason
		if reason == nil {
			reason = closeErr
		}
		d.OnClose(d, reason)
	}
}

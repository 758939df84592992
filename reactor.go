package hio

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// FeatureMask gates optional device kinds at construction time, the runtime
// analogue of the original's compile-time #ifdef-gated subsystems
// (SPEC_FULL.md §13).
type FeatureMask uint8

const (
	FeatureMux FeatureMask = 1 << iota
	FeatureThreadDevice
	FeaturePTYDevice

	featureAll = FeatureMux | FeatureThreadDevice | FeaturePTYDevice
)

// Options configures a Reactor; NewReactor applies it (SPEC_FULL.md §10.3).
type Options struct {
	LargeIOBufferSize int
	MaxWriteChunk     int
	FeatureMask       FeatureMask
	Logger            Logger
	LogMask           Severity
	FairnessCap       int
}

// Option mutates Options; NewReactor applies a default set before running
// the supplied options over it, the functional-options idiom
// gaio.NewWatcherSize's size-parameter constructor is generalized into.
type Option func(*Options)

func WithLargeIOBufferSize(n int) Option {
	return func(o *Options) { o.LargeIOBufferSize = n }
}

func WithMaxWriteChunk(n int) Option {
	return func(o *Options) { o.MaxWriteChunk = n }
}

func WithFeatureMask(m FeatureMask) Option {
	return func(o *Options) { o.FeatureMask = m }
}

func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithLogMask(s Severity) Option {
	return func(o *Options) { o.LogMask = s }
}

func WithFairnessCap(n int) Option {
	return func(o *Options) { o.FairnessCap = n }
}

func defaultOptions() Options {
	return Options{
		LargeIOBufferSize: 64 * 1024,
		MaxWriteChunk:     DefaultMaxWriteChunk,
		FeatureMask:       featureAll,
		Logger:            noopLogger{},
		LogMask:           SeverityDebug,
		FairnessCap:       16,
	}
}

// arenaSlot is one generation-tagged slot in the device arena (spec §9
// redesign note).
type arenaSlot struct {
	dev        *Device
	generation uint32
}

// Reactor is the L0–L7 single-goroutine event loop (spec §1, §4).
// All of its exported methods except Stop are expected to be called only
// from the goroutine running Run, mirroring gaio's watcher: the single
// safe cross-goroutine entry point is the wakeup channel Stop uses.
type Reactor struct {
	opts Options
	log  Logger
	mux  multiplexer
	clock *clock

	arena    []arenaSlot
	freeList []uint32
	live     map[uint32]struct{} // slot indices with state != Reaped

	services serviceRegistry

	wakeupR *os.File
	wakeupW *os.File
	pending chan func()

	lastErr atomic.Pointer[Error]

	stopRequested atomic.Bool
	stopReason    *Error
}

// NewReactor constructs a Reactor and opens its multiplexer and self-pipe
// wakeup (spec §4, L1/L5).
func NewReactor(opts ...Option) (*Reactor, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.LargeIOBufferSize < 512 {
		return nil, newErr("new_reactor", CodeInvalidArgument, "LargeIOBufferSize must be >= 512")
	}
	if o.MaxWriteChunk < 64*1024 {
		return nil, newErr("new_reactor", CodeInvalidArgument, "MaxWriteChunk must be >= 64KiB")
	}

	mux, err := newMultiplexer()
	if err != nil {
		return nil, err.(*Error)
	}

	r := &Reactor{
		opts:    o,
		log:     &maskedLogger{sink: o.Logger, mask: o.LogMask},
		mux:     mux,
		clock:   newClock(),
		live:    make(map[uint32]struct{}),
		pending: make(chan func(), 64),
	}

	rf, wf, perr := os.Pipe()
	if perr != nil {
		_ = mux.close()
		return nil, wrapErrno("new_reactor_pipe", CodeSystem, 0)
	}
	r.wakeupR = rf
	r.wakeupW = wf
	if err := r.mux.add(int(rf.Fd()), interestRead, wakeupTag{}); err != nil {
		_ = mux.close()
		return nil, err.(*Error)
	}

	return r, nil
}

// wakeupTag is the multiplexer tag identifying the self-pipe's read end.
type wakeupTag struct{}

// SetLogger swaps the active Logger at runtime.
func (r *Reactor) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	r.log = &maskedLogger{sink: l, mask: r.opts.LogMask}
}

// LastError returns the most recently recorded reactor-level failure, or
// nil. Scoped to the reactor's owning goroutine (spec §10.2).
func (r *Reactor) LastError() *Error { return r.lastErr.Load() }

func (r *Reactor) recordErr(e *Error) {
	if e != nil {
		r.lastErr.Store(e)
	}
}

// postToLoop schedules fn to run on the reactor goroutine, waking it if it
// is blocked in wait(). Safe from any goroutine: this is the bridge the
// thread and PTY device kinds use to report worker completion without
// touching reactor state directly (SPEC_FULL.md §12).
func (r *Reactor) postToLoop(fn func()) {
	select {
	case r.pending <- fn:
	default:
		// Pending queue full: drop is not acceptable for correctness, so
		// block — a busy reactor will drain it on the very next iteration.
		r.pending <- fn
	}
	var b [1]byte
	_, _ = r.wakeupW.Write(b[:])
}

// Stop requests the loop exit at the top of its next iteration (spec §4.6).
// Safe to call from a signal handler or any goroutine.
func (r *Reactor) Stop(reason *Error) {
	r.stopRequested.Store(true)
	r.postToLoop(func() { r.stopReason = reason })
}

// registerDevice assigns a DeviceHandle from the arena, reusing a free slot
// (bumping its generation) when available.
func (r *Reactor) registerDevice(ops deviceOps, kind string) *Device {
	var idx uint32
	if n := len(r.freeList); n > 0 {
		idx = r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		r.arena[idx].generation++
	} else {
		idx = uint32(len(r.arena))
		r.arena = append(r.arena, arenaSlot{generation: 1})
	}
	d := &Device{
		r:     r,
		ops:   ops,
		kind:  kind,
		state: StateNew,
		handle: DeviceHandle{
			Index:      idx,
			Generation: r.arena[idx].generation,
		},
	}
	r.arena[idx].dev = d
	r.live[idx] = struct{}{}
	r.updateInterest(d) // still StateNew: adds the fd to the multiplexer
	d.state = StateLive
	return d
}

// Lookup resolves a DeviceHandle to its Device, returning ok=false if the
// handle is stale (device reaped and slot reused, or never valid).
func (r *Reactor) Lookup(h DeviceHandle) (*Device, bool) {
	if int(h.Index) >= len(r.arena) {
		return nil, false
	}
	slot := r.arena[h.Index]
	if slot.dev == nil || slot.generation != h.Generation {
		return nil, false
	}
	return slot.dev, true
}

func (r *Reactor) updateInterest(d *Device) {
	fd := d.ops.fd()
	if fd < 0 {
		return
	}
	var want ioInterest
	if d.readEnabled && d.registered() {
		want |= interestRead
	}
	if !d.writeQ.empty() && d.registered() {
		want |= interestWrite
	}
	if d.state == StateNew {
		_ = r.mux.add(fd, want, d)
	} else {
		_ = r.mux.mod(fd, want)
	}
}

// Run executes the reactor loop until Stop is called or ctx is done (spec
// §4.5's eight per-iteration steps).
func (r *Reactor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.stopRequested.Load() {
			r.drainPending()
			r.recordErr(r.stopReason)
			return nil
		}

		// Step 1: refresh now.
		now := r.clock.refresh()

		// Step 2: drain expired timers.
		r.clock.popExpired(now, r.fireTimer)

		// Step 3: compute timeout, capped so Stop()/postToLoop wakeups and
		// ctx cancellation are never starved by an indefinite block.
		timeout := r.clock.timeoutFor(now, 250*time.Millisecond)
		if timeout < 0 {
			timeout = 250 * time.Millisecond
		}

		// Step 4: wait.
		events, err := r.mux.wait(timeout)
		if err != nil {
			r.recordErr(err.(*Error))
			r.log.Error("mux wait failed", "err", err)
			continue
		}

		// Step 5: dispatch readiness, fairness-capped per device.
		for _, ev := range events {
			if _, isWakeup := ev.tag.(wakeupTag); isWakeup {
				r.drainWakeupPipe()
				r.drainPending()
				continue
			}
			d := ev.tag.(*Device)
			if !d.registered() {
				continue
			}
			readable, writable := ev.readable, ev.writable
			if ev.errFlag {
				// A pending socket error surfaces through the normal
				// read/write path rather than a side channel: forcing both
				// directions ready lets the next readRaw/writeRaw syscall
				// return the real errno.
				readable, writable = true, true
			}
			d.ops.onReady(readable, writable)
		}

		// Step 6: halt sweep — Device.finalize moves any HALTING device to
		// ZOMBIE (deregister, cancel timers, fail pending writes).
		r.haltSweep()

		// Step 7: reap sweep — Device.reap closes the underlying resource
		// and fires OnClose for each ZOMBIE device, then frees its arena
		// slot for reuse. Kept as a separate pass from step 6 so a device
		// is never torn down and reaped in the same sweep.
		r.reapSweep()

		// Step 8: loop back to step 1 unless Stop/ctx fired meanwhile.
	}
}

func (r *Reactor) fireTimer(tag timerTag, owner any) {
	switch tag {
	case timerTagReadDeadline:
		d := owner.(*Device)
		d.readTimer = nil
		if !d.alive() {
			return
		}
		d.readEnabled = false
		r.updateInterest(d)
		if d.OnRead != nil {
			d.OnRead(d, nil, newErrDev("timed_read", d.handle, CodeTimedOut, "read deadline exceeded"))
		}
	case timerTagWriteDeadline:
		co := owner.(chunkOwner)
		co.chunk.timer = nil
		if co.chunk.done() {
			return
		}
		for e := co.dev.writeQ.chunks.Front(); e != nil; e = e.Next() {
			if e.Value.(*writeChunk) == co.chunk {
				co.dev.writeQ.chunks.Remove(e)
				break
			}
		}
		r.updateInterest(co.dev)
		if co.dev.OnWrite != nil {
			co.dev.OnWrite(co.dev, co.chunk.ctx, -1, newErrDev("write", co.dev.handle, CodeTimedOut, "write deadline exceeded"))
		}
	case timerTagUser:
		if fn, ok := owner.(func(time.Time)); ok {
			fn(r.clock.now())
		}
	}
}

func (r *Reactor) drainWakeupPipe() {
	var buf [64]byte
	for {
		n, err := r.wakeupR.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) drainPending() {
	for {
		select {
		case fn := <-r.pending:
			fn()
		default:
			return
		}
	}
}

func (r *Reactor) haltSweep() {
	for idx := range r.live {
		d := r.arena[idx].dev
		if d.state == StateHalting {
			d.finalize()
		}
	}
}

func (r *Reactor) reapSweep() {
	for idx := range r.live {
		d := r.arena[idx].dev
		if d.state == StateZombie {
			d.reap()
			d.state = StateReaped
			delete(r.live, idx)
			r.arena[idx].dev = nil
			r.freeList = append(r.freeList, idx)
		}
	}
}

// Close halts every registered service concurrently (SPEC_FULL.md §11's
// errgroup wiring), then kills every remaining live device, then stops the
// loop.
func (r *Reactor) Close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range r.services.services {
		svc := svc
		g.Go(func() error { return svc.Stop(gctx) })
	}
	svcErr := g.Wait()

	for idx := range r.live {
		d := r.arena[idx].dev
		d.Kill(newErr("close", CodeNone, "reactor closing"))
	}
	r.haltSweep()
	r.reapSweep()

	r.Stop(nil)
	_ = r.mux.close()
	_ = r.wakeupR.Close()
	_ = r.wakeupW.Close()

	return svcErr
}

// RegisterService adds a Service to be torn down by Close.
func (r *Reactor) RegisterService(s Service) { r.services.register(s) }

// UnregisterService removes a previously registered Service.
func (r *Reactor) UnregisterService(s Service) { r.services.unregister(s) }

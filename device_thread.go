package hio

import (
	"fmt"
	"io"
)

// ThreadDevice is the composite device for a worker-goroutine bridge (spec
// §4.4.3: "same shape as pipe" — IN/OUT slaves, not one full-duplex fd): two
// independently-reaped slave Devices, plus a single OnClose fired once both
// have reaped, mirroring PipeDevice.
type ThreadDevice struct {
	In  *Device // the app reads the worker's output from here
	Out *Device // the app writes work input here

	OnClose   func(reason *Error)
	closedIn  bool
	closedOut bool
}

// NewThreadDevice spawns work on a goroutine bridged to the reactor by the
// same two-pipe shape as the pipe device (device_pipe.go's
// newPipeSlavePair): the original's "worker thread that must not touch the
// reactor directly" boundary (original_source/hio/lib/hio-thr.h),
// reimagined with a Go worker goroutine instead of a pthread. work reads
// fromApp (what the app wrote via Out) and writes toApp (delivered through
// In.OnRead) — a single socketpair fd can't back this, since epoll/kqueue
// refuse to register the same fd twice across two arena Devices.
//
// A worker panic is recovered and surfaces as an on_close failure with
// CodeSystem on both slaves rather than crashing the process — the original
// has no equivalent since a C thread entry point has no panic mechanism,
// but leaving a Go panic unrecovered here would take the whole reactor
// process down with it.
func NewThreadDevice(r *Reactor, work func(fromApp io.Reader, toApp io.Writer)) (*ThreadDevice, *Error) {
	if r.opts.FeatureMask&FeatureThreadDevice == 0 {
		return nil, newErr("new_thread", CodeNotSupported, "thread device disabled by feature mask")
	}

	inDev, outDev, peerIn, peerOut, err := newPipeSlavePair(r, "thread_in", "thread_out")
	if err != nil {
		return nil, err
	}

	td := &ThreadDevice{In: inDev, Out: outDev}

	inDev.OnClose = func(_ *Device, reason *Error) { td.markClosed(true, reason) }
	outDev.OnClose = func(_ *Device, reason *Error) { td.markClosed(false, reason) }

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				_ = peerIn.Close()
				_ = peerOut.Close()
				r.postToLoop(func() {
					reason := newErrDev("thread_worker", inDev.handle, CodeSystem, fmt.Sprintf("worker panicked: %v", rec))
					inDev.Halt(reason)
					outDev.Halt(reason)
				})
				return
			}
			_ = peerIn.Close()
			_ = peerOut.Close()
		}()
		work(peerOut, peerIn)
	}()

	return td, nil
}

func (td *ThreadDevice) markClosed(isIn bool, reason *Error) {
	if isIn {
		td.closedIn = true
	} else {
		td.closedOut = true
	}
	if td.closedIn && td.closedOut && td.OnClose != nil {
		td.OnClose(reason)
	}
}

// Halt cooperatively tears down both slaves.
func (td *ThreadDevice) Halt(reason *Error) {
	td.In.Halt(reason)
	td.Out.Halt(reason)
}

// Kill tears down both slaves immediately.
func (td *ThreadDevice) Kill(reason *Error) {
	td.In.Kill(reason)
	td.Out.Kill(reason)
}

package hio

import (
	"os"

	"golang.org/x/sys/unix"
)

// pipeSlaveOps backs one direction (IN or OUT) of a pipe or thread device
// (spec §4.4.2, §4.4.3): an os.Pipe-backed fd, registered as a reactor
// device that shares a composite master for lifecycle purposes.
type pipeSlaveOps struct {
	dev *Device
	f   *os.File
}

func (p *pipeSlaveOps) fd() int { return int(p.f.Fd()) }

func (p *pipeSlaveOps) zeroWritePolicy() zeroWritePolicy { return zeroWriteShutdown }

func (p *pipeSlaveOps) readRaw(buf []byte) (int, *Error) {
	n, err := unix.Read(p.fd(), buf)
	if err != nil {
		errno := err.(unix.Errno)
		return 0, wrapErrno("read", classifyErrno(errno), errno)
	}
	return n, nil
}

func (p *pipeSlaveOps) writeRaw(buf []byte) (int, *Error) {
	n, err := unix.Write(p.fd(), buf)
	if err != nil {
		errno := err.(unix.Errno)
		return 0, wrapErrno("write", classifyErrno(errno), errno)
	}
	return n, nil
}

func (p *pipeSlaveOps) closeRaw() *Error {
	if err := p.f.Close(); err != nil {
		return newErr("close", CodeSystem, err.Error())
	}
	return nil
}

func (p *pipeSlaveOps) onReady(readable, writable bool) {
	p.dev.defaultOnReady(readable, writable)
}

// newPipeSlavePair builds the two app-facing Devices and the two peer-facing
// *os.Files that back a pipe-shaped composite device (spec §4.4.2's
// master/slave split, ground on original_source/hio/lib/hio-pipe.h): IN is
// "readable by the app, writable by the peer" and OUT is "writable by the
// app, readable by the peer", so each direction needs its own os.Pipe() —
// one self-loop pipe cannot give an external process or fd anything to
// drive. Shared with the thread device (device_thread.go), whose worker
// goroutine plays the peer role that an external process or fd plays here.
func newPipeSlavePair(r *Reactor, inKind, outKind string) (inDev, outDev *Device, peerIn, peerOut *os.File, rerr *Error) {
	appIn, peerInW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, newErr("new_pipe_pair", CodeSystem, err.Error())
	}
	peerOutR, appOut, err := os.Pipe()
	if err != nil {
		appIn.Close()
		peerInW.Close()
		return nil, nil, nil, nil, newErr("new_pipe_pair", CodeSystem, err.Error())
	}
	if err := unix.SetNonblock(int(appIn.Fd()), true); err != nil {
		appIn.Close()
		peerInW.Close()
		peerOutR.Close()
		appOut.Close()
		errno := err.(unix.Errno)
		return nil, nil, nil, nil, wrapErrno("new_pipe_pair_nonblock", classifyErrno(errno), errno)
	}
	if err := unix.SetNonblock(int(appOut.Fd()), true); err != nil {
		appIn.Close()
		peerInW.Close()
		peerOutR.Close()
		appOut.Close()
		errno := err.(unix.Errno)
		return nil, nil, nil, nil, wrapErrno("new_pipe_pair_nonblock", classifyErrno(errno), errno)
	}

	inOps := &pipeSlaveOps{f: appIn}
	inDev = r.registerDevice(inOps, inKind)
	inOps.dev = inDev
	inDev.side = SideIn

	outOps := &pipeSlaveOps{f: appOut}
	outDev = r.registerDevice(outOps, outKind)
	outOps.dev = outDev
	outDev.side = SideOut

	return inDev, outDev, peerInW, peerOutR, nil
}

// PipeDevice is the composite device for an IN/OUT pipe pair (spec §4.4.2):
// two independently-reaped slave Devices, plus the peer-facing ends
// (PeerIn/PeerOut) an external process or fd uses to drive the pipe, plus a
// single OnClose fired once both slaves have reaped ("on_close(MASTER)
// fired once after both slaves reaped").
type PipeDevice struct {
	In  *Device // read end the reactor reads from
	Out *Device // write end the reactor writes to

	// PeerIn is the write end of the IN pipe: the peer feeds bytes into it
	// for In.OnRead to see. PeerOut is the read end of the OUT pipe: the
	// peer drains bytes the app handed to Out.Write. Neither is touched by
	// the reactor itself — they are handed to whatever external process,
	// thread, or fd plays the peer role (spec §8's echo-pipe scenario).
	PeerIn  *os.File
	PeerOut *os.File

	OnClose   func(reason *Error)
	closedIn  bool
	closedOut bool
}

// NewPipeDevice opens two os.Pipe() pairs — one per direction — and wraps
// the app-facing ends as reactor devices, handing back the peer-facing ends
// for the caller to bridge to a child process, a goroutine, or any other fd
// consumer. Pipes carry no feature-mask gating bit: hio-pipe.h has no
// #ifdef in the original, requiring no special platform privilege the way a
// PTY or worker thread does, so NewPipeDevice is always available.
func NewPipeDevice(r *Reactor) (*PipeDevice, *Error) {
	inDev, outDev, peerIn, peerOut, err := newPipeSlavePair(r, "pipe_in", "pipe_out")
	if err != nil {
		return nil, err
	}

	pd := &PipeDevice{In: inDev, Out: outDev, PeerIn: peerIn, PeerOut: peerOut}

	inDev.OnClose = func(_ *Device, reason *Error) { pd.markClosed(true, reason) }
	outDev.OnClose = func(_ *Device, reason *Error) { pd.markClosed(false, reason) }

	return pd, nil
}

func (pd *PipeDevice) markClosed(isIn bool, reason *Error) {
	if isIn {
		pd.closedIn = true
	} else {
		pd.closedOut = true
	}
	if pd.closedIn && pd.closedOut {
		_ = pd.PeerIn.Close()
		_ = pd.PeerOut.Close()
		if pd.OnClose != nil {
			pd.OnClose(reason)
		}
	}
}

// Halt cooperatively tears down both slaves.
func (pd *PipeDevice) Halt(reason *Error) {
	pd.In.Halt(reason)
	pd.Out.Halt(reason)
}

// Kill tears down both slaves immediately.
func (pd *PipeDevice) Kill(reason *Error) {
	pd.In.Kill(reason)
	pd.Out.Kill(reason)
}

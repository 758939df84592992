package hio

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ptyOps backs the PTY device kind (spec §4.4.4): a pseudo-terminal master,
// driven non-blocking through the reactor the same way
// srgg-blecli/internal/ptyio sets its master fd non-blocking after
// github.com/creack/pty opens the pair, except here the reactor's own
// multiplexer replaces that package's poll-loop goroutines.
type ptyOps struct {
	dev    *Device
	master ptyFile
}

// ptyFile is the minimal *os.File surface ptyOps needs.
type ptyFile interface {
	Fd() uintptr
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

func (p *ptyOps) fd() int { return int(p.master.Fd()) }

func (p *ptyOps) zeroWritePolicy() zeroWritePolicy { return zeroWriteReject }

func (p *ptyOps) readRaw(buf []byte) (int, *Error) {
	n, err := p.master.Read(buf)
	if err != nil {
		if errno, ok := asErrno(err); ok {
			return 0, wrapErrno("read", classifyErrno(errno), errno)
		}
		if n == 0 {
			return 0, nil // EOF: child side closed
		}
		return n, nil
	}
	return n, nil
}

func (p *ptyOps) writeRaw(buf []byte) (int, *Error) {
	n, err := p.master.Write(buf)
	if err != nil {
		if errno, ok := asErrno(err); ok {
			return 0, wrapErrno("write", classifyErrno(errno), errno)
		}
		return n, nil
	}
	return n, nil
}

func (p *ptyOps) closeRaw() *Error {
	if err := p.master.Close(); err != nil {
		return newErr("close", CodeSystem, err.Error())
	}
	return nil
}

func (p *ptyOps) onReady(readable, writable bool) {
	p.dev.defaultOnReady(readable, writable)
}

func asErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// PTYFlags configures a PTYDevice at construction (spec §4.4.4, grounded on
// original_source/hio/lib/hio-pty.h's hio_dev_pty_make_flag_t enum).
type PTYFlags struct {
	// ForgetChild orphans the child on Halt instead of SIGTERM/SIGKILL-ing
	// it (HIO_DEV_PTY_FORGET_CHILD's "you should set this flag if your
	// application has automatic child process reaping enabled").
	ForgetChild bool
	// SpawnViaShell runs cmd through "/bin/sh -c" instead of exec'ing it
	// directly (HIO_DEV_PTY_SHELL), joining cmd.Args as the shell command
	// line and carrying over cmd.Env/cmd.Dir.
	SpawnViaShell bool
	// ForgetDiehardChild skips the post-SIGKILL liveness check and warning
	// log (HIO_DEV_PTY_FORGET_DIEHARD_CHILD): set this when the caller
	// accepts that a child stuck past SIGKILL (e.g. in uninterruptible
	// sleep) will not be waited on or reported.
	ForgetDiehardChild bool
	// GracePeriod is the SIGTERM-to-SIGKILL (and, unless
	// ForgetDiehardChild, SIGKILL-to-liveness-check) delay. Zero uses the
	// default of 2 seconds.
	GracePeriod time.Duration
}

// wrapViaShell rebuilds cmd so it runs as "/bin/sh -c <command line>"
// instead of being exec'd directly, carrying over its environment and
// working directory (original_source/hio/lib/hio-pty.h's HIO_DEV_PTY_SHELL).
func wrapViaShell(cmd *exec.Cmd) *exec.Cmd {
	line := strings.Join(cmd.Args, " ")
	shellCmd := exec.Command("/bin/sh", "-c", line)
	shellCmd.Env = cmd.Env
	shellCmd.Dir = cmd.Dir
	return shellCmd
}

// PTYDevice is the composite PTY device (spec §4.4.4): the master Device
// plus the child process lifecycle — SIGTERM, a grace period, then
// SIGKILL, unless ForgetChild is set (the original's "orphan the child"
// mode).
type PTYDevice struct {
	*Device
	cmd         *exec.Cmd
	flags       PTYFlags
	GracePeriod time.Duration
}

// NewPTYDevice starts cmd attached to a new pseudo-terminal and wraps the
// master side as a reactor device. The child's exit is reported via a
// background Wait() that posts back onto the reactor goroutine
// (SPEC_FULL.md §12), never touching reactor state from another goroutine
// directly.
func NewPTYDevice(r *Reactor, cmd *exec.Cmd, flags PTYFlags, onChildExit func(err error)) (*PTYDevice, *Error) {
	if r.opts.FeatureMask&FeaturePTYDevice == 0 {
		return nil, newErr("new_pty", CodeNotSupported, "pty device disabled by feature mask")
	}

	runCmd := cmd
	if flags.SpawnViaShell {
		runCmd = wrapViaShell(cmd)
	}

	f, err := pty.Start(runCmd)
	if err != nil {
		return nil, newErr("new_pty", CodeSystem, err.Error())
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		_ = f.Close()
		errno := err.(unix.Errno)
		return nil, wrapErrno("new_pty_nonblock", classifyErrno(errno), errno)
	}

	ops := &ptyOps{master: f}
	d := r.registerDevice(ops, "pty")
	ops.dev = d

	grace := flags.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	pd := &PTYDevice{Device: d, cmd: runCmd, flags: flags, GracePeriod: grace}

	go func() {
		waitErr := runCmd.Wait()
		r.postToLoop(func() {
			if onChildExit != nil {
				onChildExit(waitErr)
			}
			d.Halt(nil)
		})
	}()

	return pd, nil
}

// SetWinsize propagates a terminal resize to the PTY master
// (original_source/hio/lib/hio-pty.h's resize operation, not named as a
// Non-goal by spec.md and so carried forward per SPEC_FULL.md §12).
func (pd *PTYDevice) SetWinsize(rows, cols uint16) *Error {
	if err := unix.IoctlSetWinsize(pd.ptyOps().fd(), &unix.Winsize{Row: rows, Col: cols}); err != nil {
		errno := err.(unix.Errno)
		return wrapErrno("set_winsize", classifyErrno(errno), errno)
	}
	return nil
}

func (pd *PTYDevice) ptyOps() *ptyOps {
	return pd.Device.ops.(*ptyOps)
}

// Halt begins cooperative teardown of both the device and (unless
// ForgetChild) the child process: SIGTERM, then SIGKILL after GracePeriod
// if the child has not exited. Unless ForgetDiehardChild is set, a second
// GracePeriod after the SIGKILL checks whether the child is still alive and
// logs a warning if so — a child that survives SIGKILL is normally stuck in
// uninterruptible sleep, not something a retry would fix.
func (pd *PTYDevice) Halt(reason *Error) {
	if !pd.flags.ForgetChild && pd.cmd.Process != nil {
		_ = pd.cmd.Process.Signal(unix.SIGTERM)
		proc := pd.cmd.Process
		grace := pd.GracePeriod
		forgetDiehard := pd.flags.ForgetDiehardChild
		log := pd.Device.r.log
		go func() {
			time.Sleep(grace)
			_ = proc.Signal(unix.SIGKILL)
			if forgetDiehard {
				return
			}
			time.Sleep(grace)
			if proc.Signal(syscall.Signal(0)) == nil {
				log.Warn("pty child survived sigkill", "pid", proc.Pid)
			}
		}()
	}
	pd.Device.Halt(reason)
}

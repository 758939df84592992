package hio

import (
	"context"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSysHandleDeviceStreamMode(t *testing.T) {
	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.Close(context.Background())

	rf, wf, perr := os.Pipe()
	if perr != nil {
		t.Fatalf("os.Pipe: %v", perr)
	}
	defer wf.Close()
	unix.SetNonblock(int(rf.Fd()), true)

	d, derr := NewSysHandleDevice(r, int(rf.Fd()), SysHandleFlags{CloseOnDestroy: true})
	if derr != nil {
		t.Fatalf("NewSysHandleDevice: %v", derr)
	}

	got := make(chan string, 1)
	d.OnRead = func(dev *Device, data []byte, rerr *Error) {
		if data != nil {
			got <- string(data)
		}
	}
	_ = d.Read(true)

	go r.Run(ctx)

	wf.Write([]byte("adopted"))

	select {
	case s := <-got:
		if s != "adopted" {
			t.Fatalf("got %q, want %q", s, "adopted")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for adopted-handle data")
	}
}

func TestSysHandleDeviceNotifierModeFiresWithNoQueue(t *testing.T) {
	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.Close(context.Background())

	rf, wf, perr := os.Pipe()
	if perr != nil {
		t.Fatalf("os.Pipe: %v", perr)
	}
	defer rf.Close()
	defer wf.Close()
	unix.SetNonblock(int(rf.Fd()), true)

	fired := make(chan struct{}, 1)
	d, derr := NewSysHandleDevice(r, int(rf.Fd()), SysHandleFlags{
		Notifier: true,
		OnReady:  func(dev *Device) { fired <- struct{}{} },
	})
	if derr != nil {
		t.Fatalf("NewSysHandleDevice: %v", derr)
	}
	if d.State() != StateLive {
		t.Fatalf("expected device to be live")
	}

	go r.Run(ctx)
	wf.Write([]byte("x"))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("notifier OnReady never fired")
	}
}

func TestSysHandleDeviceDisabledByFeatureMask(t *testing.T) {
	r, err := NewReactor(WithFeatureMask(0))
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close(context.Background())

	rf, wf, perr := os.Pipe()
	if perr != nil {
		t.Fatalf("os.Pipe: %v", perr)
	}
	defer rf.Close()
	defer wf.Close()

	if _, derr := NewSysHandleDevice(r, int(rf.Fd()), SysHandleFlags{}); derr == nil {
		t.Fatalf("expected NewSysHandleDevice to fail when FeatureMux is masked off")
	} else if derr.Code != CodeNotSupported {
		t.Fatalf("expected CodeNotSupported, got %v", derr.Code)
	}
}

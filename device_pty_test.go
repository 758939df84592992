package hio

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPTYDeviceEchoesThroughCat(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.Close(context.Background())

	cmd := exec.Command("cat")
	pd, perr := NewPTYDevice(r, cmd, PTYFlags{GracePeriod: 50 * time.Millisecond}, nil)
	if perr != nil {
		t.Fatalf("NewPTYDevice: %v", perr)
	}

	var sb strings.Builder
	got := make(chan struct{})
	pd.OnRead = func(d *Device, data []byte, rerr *Error) {
		if data == nil {
			return
		}
		sb.Write(data)
		if strings.Contains(sb.String(), "hi\r\n") {
			close(got)
		}
	}
	_ = pd.Read(true)

	go r.Run(ctx)

	if werr := pd.Write([]byte("hi\n"), nil); werr != nil {
		t.Fatalf("write: %v", werr)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for pty echo, got so far: %q", sb.String())
	}

	pd.Halt(nil)
}

func TestPTYDeviceRejectsZeroLengthWrite(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close(context.Background())

	cmd := exec.Command("cat")
	pd, perr := NewPTYDevice(r, cmd, PTYFlags{}, nil)
	if perr != nil {
		t.Fatalf("NewPTYDevice: %v", perr)
	}
	defer pd.Halt(nil)

	if werr := pd.Write(nil, nil); werr == nil {
		t.Fatalf("expected zero-length write to be rejected on a pty device")
	} else if werr.Code != CodeInvalidArgument {
		t.Fatalf("expected CodeInvalidArgument, got %v", werr.Code)
	}
}

func TestPTYDeviceDisabledByFeatureMask(t *testing.T) {
	r, err := NewReactor(WithFeatureMask(0))
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close(context.Background())

	cmd := exec.Command("true")
	if _, perr := NewPTYDevice(r, cmd, PTYFlags{}, nil); perr == nil {
		t.Fatalf("expected NewPTYDevice to fail when FeaturePTYDevice is masked off")
	} else if perr.Code != CodeNotSupported {
		t.Fatalf("expected CodeNotSupported, got %v", perr.Code)
	}
}

// TestPTYDeviceSpawnViaShellRunsShellSyntax constructs a command whose
// single argument is only meaningful to a shell ("&&" joining two `echo`
// invocations); exec'd directly it would fail to find such a binary, so
// seeing both words on the master proves SpawnViaShell routed it through
// "/bin/sh -c".
func TestPTYDeviceSpawnViaShellRunsShellSyntax(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.Close(context.Background())

	cmd := exec.Command("echo hi && echo world")
	pd, perr := NewPTYDevice(r, cmd, PTYFlags{SpawnViaShell: true, GracePeriod: 50 * time.Millisecond}, nil)
	if perr != nil {
		t.Fatalf("NewPTYDevice: %v", perr)
	}

	var mu sync.Mutex
	var sb strings.Builder
	got := make(chan struct{})
	pd.OnRead = func(d *Device, data []byte, rerr *Error) {
		if data == nil {
			return
		}
		mu.Lock()
		sb.Write(data)
		s := sb.String()
		mu.Unlock()
		if strings.Contains(s, "world") {
			select {
			case <-got:
			default:
				close(got)
			}
		}
	}
	_ = pd.Read(true)

	go r.Run(ctx)

	select {
	case <-got:
		mu.Lock()
		s := sb.String()
		mu.Unlock()
		if !strings.Contains(s, "hi") {
			t.Fatalf("expected shell-expanded output to contain both commands, got %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for shell-spawned output")
	}

	pd.Halt(nil)
}

// TestPTYDeviceForgetDiehardChildSkipsLivenessWarning exercises the
// log-suppression branch directly rather than spawning an unkillable
// process: with ForgetDiehardChild set, the post-SIGKILL liveness check
// (and its warning) must never run.
func TestPTYDeviceForgetDiehardChildSkipsLivenessWarning(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close(context.Background())

	tl := &testCapturingLogger{}
	r.SetLogger(tl)

	cmd := exec.Command("cat")
	pd, perr := NewPTYDevice(r, cmd, PTYFlags{ForgetDiehardChild: true, GracePeriod: 10 * time.Millisecond}, nil)
	if perr != nil {
		t.Fatalf("NewPTYDevice: %v", perr)
	}

	pd.Halt(nil)
	time.Sleep(100 * time.Millisecond)

	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, msg := range tl.warnings {
		if strings.Contains(msg, "sigkill") {
			t.Fatalf("expected no post-sigkill liveness warning with ForgetDiehardChild set, got %q", msg)
		}
	}
}

type testCapturingLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *testCapturingLogger) Debug(string, ...any) {}
func (l *testCapturingLogger) Info(string, ...any)  {}
func (l *testCapturingLogger) Warn(msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}
func (l *testCapturingLogger) Error(string, ...any) {}

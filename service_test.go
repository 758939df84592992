package hio

import (
	"context"
	"errors"
	"testing"
)

type fakeService struct {
	name    string
	stopped bool
	err     error
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Stop(ctx context.Context) error {
	f.stopped = true
	return f.err
}

func TestServiceRegistryRegisterUnregister(t *testing.T) {
	var reg serviceRegistry
	s1 := &fakeService{name: "a"}
	s2 := &fakeService{name: "b"}

	reg.register(s1)
	reg.register(s2)
	if len(reg.services) != 2 {
		t.Fatalf("expected 2 registered services, got %d", len(reg.services))
	}

	reg.unregister(s1)
	if len(reg.services) != 1 || reg.services[0] != s2 {
		t.Fatalf("unregister did not remove the right service")
	}
}

func TestReactorCloseStopsAllServicesConcurrently(t *testing.T) {
	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}

	s1 := &fakeService{name: "a"}
	s2 := &fakeService{name: "b", err: errors.New("boom")}
	r.RegisterService(s1)
	r.RegisterService(s2)

	_ = r.Close(context.Background())

	if !s1.stopped || !s2.stopped {
		t.Fatalf("Close must stop every registered service, got s1=%v s2=%v", s1.stopped, s2.stopped)
	}
}

package hio

import "context"

// Service is an L5 reactor-scoped dependent that must be torn down as part
// of Reactor.Close, independent of any single device (spec §3 "Service").
// A listener that spawns new devices on accept is the canonical example.
type Service interface {
	// Name identifies the service in logs.
	Name() string
	// Stop tears the service down. It must be safe to call once, and must
	// return promptly once ctx is done.
	Stop(ctx context.Context) error
}

// serviceRegistry tracks registered services for the concurrent-stop sweep
// in Reactor.Close.
type serviceRegistry struct {
	services []Service
}

func (r *serviceRegistry) register(s Service) {
	r.services = append(r.services, s)
}

func (r *serviceRegistry) unregister(s Service) {
	for i, svc := range r.services {
		if svc == s {
			r.services = append(r.services[:i], r.services[i+1:]...)
			return
		}
	}
}

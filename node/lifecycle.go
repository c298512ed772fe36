package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ServiceState is the lifecycle state of a service.
type ServiceState int

const (
	StateCreated ServiceState = iota
	StateRunning
	StateStopped
	StateFailed
)

func (s ServiceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a node subsystem started and stopped by the lifecycle.
type Service interface {
	Name() string
	Start() error
	Stop() error
}

type serviceEntry struct {
	svc      Service
	state    ServiceState
	err      error
	priority int // lower starts first
}

// lifecycle starts services in ascending priority and stops them in
// reverse.
type lifecycle struct {
	mu       sync.Mutex
	services []*serviceEntry
	byName   map[string]*serviceEntry
}

func newLifecycle() *lifecycle {
	return &lifecycle{byName: make(map[string]*serviceEntry)}
}

func (lc *lifecycle) register(svc Service, priority int) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, exists := lc.byName[svc.Name()]; exists {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	e := &serviceEntry{svc: svc, priority: priority}
	lc.services = append(lc.services, e)
	lc.byName[svc.Name()] = e
	return nil
}

// startAll starts every service in order. If one fails, the services
// already started are stopped again and the start error is returned.
func (lc *lifecycle) startAll() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	ordered := lc.sorted()
	for i, e := range ordered {
		if err := e.svc.Start(); err != nil {
			e.state = StateFailed
			e.err = err
			startErr := fmt.Errorf("start %s: %w", e.svc.Name(), err)
			return errors.Join(startErr, stopEntries(ordered[:i]))
		}
		e.state = StateRunning
	}
	return nil
}

// stopAll stops running services in reverse order.
func (lc *lifecycle) stopAll() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return stopEntries(lc.sorted())
}

func stopEntries(ordered []*serviceEntry) error {
	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if e.state != StateRunning {
			continue
		}
		if err := e.svc.Stop(); err != nil {
			e.state = StateFailed
			e.err = err
			errs = append(errs, fmt.Errorf("stop %s: %w", e.svc.Name(), err))
			continue
		}
		e.state = StateStopped
	}
	return errors.Join(errs...)
}

func (lc *lifecycle) state(name string) ServiceState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if e, ok := lc.byName[name]; ok {
		return e.state
	}
	return StateFailed
}

// health maps each service name to whether it is running.
func (lc *lifecycle) health() map[string]bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make(map[string]bool, len(lc.services))
	for _, e := range lc.services {
		out[e.svc.Name()] = e.state == StateRunning
	}
	return out
}

// sorted returns the services by ascending priority. Registration order
// breaks ties. Caller must hold lc.mu.
func (lc *lifecycle) sorted() []*serviceEntry {
	out := make([]*serviceEntry, len(lc.services))
	copy(out, lc.services)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// funcService adapts a pair of closures to Service.
type funcService struct {
	name  string
	start func() error
	stop  func() error
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start() error {
	if s.start == nil {
		return nil
	}
	return s.start()
}

func (s *funcService) Stop() error {
	if s.stop == nil {
		return nil
	}
	return s.stop()
}

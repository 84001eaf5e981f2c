// Package recovery runs periodic recovery passes over registered modules and
// rebuilds actions from the durable log.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/loggingutil"
)

// DefaultInterval is the pause between background passes.
const DefaultInterval = 30 * time.Second

// ErrDuplicateModule is returned when a module name is already registered.
var ErrDuplicateModule = errors.New("recovery: module already registered")

// Module is a unit of recovery work. Pass must be safe to call repeatedly.
type Module interface {
	Name() string
	Pass(ctx context.Context) error
}

// Config wires an Engine.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Engine owns the registered modules and the background loop.
type Engine struct {
	clock  clock.Clock
	logger pslog.Logger

	mu       sync.Mutex
	modules  map[string]Module
	interval time.Duration
	changed  chan struct{}

	// passMu serialises passes so an on-demand scan never overlaps the loop.
	passMu sync.Mutex
	passes uint64
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		clock:    cfg.Clock,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "recovery"),
		modules:  make(map[string]Module),
		interval: cfg.Interval,
		changed:  make(chan struct{}, 1),
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.interval <= 0 {
		e.interval = DefaultInterval
	}
	return e
}

// Register adds m. Names are unique.
func (e *Engine) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("recovery: nil module")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name())
	}
	e.modules[m.Name()] = m
	e.logger.Info("recovery.module.registered", "module", m.Name())
	return nil
}

// Deregister removes the named module and reports whether it was present.
func (e *Engine) Deregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[name]; !ok {
		return false
	}
	delete(e.modules, name)
	e.logger.Info("recovery.module.deregistered", "module", name)
	return true
}

// Modules returns the registered module names in order.
func (e *Engine) Modules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interval returns the pause between background passes.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// SetInterval changes the pause between background passes. A running loop
// picks the new value up before its next wait.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
	select {
	case e.changed <- struct{}{}:
	default:
	}
	e.logger.Info("recovery.interval.updated", "interval", d)
}

// Passes reports how many scans have completed.
func (e *Engine) Passes() uint64 {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.passes
}

// Scan runs one pass of every module synchronously, in name order. Module
// errors are logged and joined; one failing module does not stop the rest.
func (e *Engine) Scan(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	e.mu.Lock()
	modules := make([]Module, 0, len(e.modules))
	for _, m := range e.modules {
		modules = append(modules, m)
	}
	e.mu.Unlock()
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name() < modules[j].Name() })

	start := e.clock.Now()
	var errs []error
	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Pass(ctx); err != nil {
			e.logger.Warn("recovery.pass.error", "module", m.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	e.passes++
	e.logger.Debug("recovery.pass.complete", "modules", len(modules), "elapsed", e.clock.Now().Sub(start), "pass", e.passes)
	return errors.Join(errs...)
}

// Run scans every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("recovery.loop.start", "interval", e.Interval())
	defer e.logger.Info("recovery.loop.stop")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.changed:
			continue
		case <-e.clock.After(e.Interval()):
		}
		if err := e.Scan(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("recovery.loop.pass_failed", "error", err)
		}
	}
}

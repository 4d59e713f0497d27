package harvester

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

type supervisorEntry struct {
	sup      *Supervisor
	cfg      *Config
	refCount int
}

// SupervisorRegistry shares one started supervisor per serial port between
// every resource configured on that port.
type SupervisorRegistry struct {
	mu      sync.Mutex
	entries map[string]*supervisorEntry // port path -> entry

	build func(ctx context.Context, cfg *Config, opts SupervisorOptions, logger logging.Logger) (*Supervisor, error)
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{
		entries: make(map[string]*supervisorEntry),
		build:   startSupervisor,
	}
}

var defaultRegistry = NewSupervisorRegistry()

func startSupervisor(ctx context.Context, cfg *Config, opts SupervisorOptions, logger logging.Logger) (*Supervisor, error) {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	sup := NewSupervisor(cfg, opts, logger)
	if err := sup.Start(ctx); err != nil {
		sup.Close()
		return nil, err
	}
	return sup, nil
}

// configsCompatible reports whether two resources can share one link.
func configsCompatible(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.Baudrate == b.Baudrate && a.DataDir == b.DataDir &&
		a.Camera == b.Camera && a.VisionService == b.VisionService
}

// Acquire returns the supervisor for cfg.Port, starting it with opts on first
// use. Later callers share the first supervisor and their opts are ignored.
func (r *SupervisorRegistry) Acquire(ctx context.Context, cfg *Config, opts SupervisorOptions, logger logging.Logger) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[cfg.Port]; ok {
		if !configsCompatible(entry.cfg, cfg) {
			return nil, errors.Errorf("conflict: supervisor on %s uses a different config (refCount: %d)", cfg.Port, entry.refCount)
		}
		entry.refCount++
		return entry.sup, nil
	}

	sup, err := r.build(ctx, cfg, opts, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start supervisor on %s", cfg.Port)
	}
	r.entries[cfg.Port] = &supervisorEntry{sup: sup, cfg: cfg, refCount: 1}
	logger.Infof("Started supervisor for port %s", cfg.Port)
	return sup, nil
}

// Release drops one reference and closes the supervisor with the last one.
func (r *SupervisorRegistry) Release(port string) error {
	r.mu.Lock()
	entry, ok := r.entries[port]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, port)
	r.mu.Unlock()

	return entry.sup.Close()
}

// ForceClose closes the supervisor on port regardless of references.
func (r *SupervisorRegistry) ForceClose(port string) error {
	r.mu.Lock()
	entry, ok := r.entries[port]
	delete(r.entries, port)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.sup.Close()
}

// Status returns the reference count, whether a supervisor exists and a
// summary of its link.
func (r *SupervisorRegistry) Status(port string) (int, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[port]
	if !ok {
		return 0, false, ""
	}
	return entry.refCount, true, fmt.Sprintf("Serial: %s@%d", entry.cfg.Port, entry.cfg.Baudrate)
}

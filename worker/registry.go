package worker

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrWorkerNotFound signals a capability name with no registered factory.
var ErrWorkerNotFound = errors.New("worker not found in registry")

// Config is worker-specific configuration, opaque to the registry.
type Config map[string]any

// Int returns the integer value for key or def.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// String returns the string value for key or def.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Logger returns the configured logger, falling back to the logrus standard logger.
func (c Config) Logger() logrus.FieldLogger {
	if l, ok := c["logger"].(logrus.FieldLogger); ok && l != nil {
		return l
	}
	return logrus.StandardLogger()
}

// Factory constructs a worker from configuration.
type Factory func(Config) Worker

// Registry maps capability names to worker factories. Safe for concurrent use;
// registration is expected to finish before the first workflow runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. A duplicate name silently replaces the earlier registration.
func (r *Registry) Register(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Create instantiates the named worker. ok is false when the name is unknown.
func (r *Registry) Create(name string, cfg Config) (Worker, bool) {
	f, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	if cfg == nil {
		cfg = Config{}
	}
	w := f(cfg)
	return w, w != nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry populated by worker packages at init time.
var Default = NewRegistry()

// Register installs a factory in the Default registry.
func Register(name string, factory Factory) { Default.Register(name, factory) }

// Get looks up a factory in the Default registry.
func Get(name string) (Factory, bool) { return Default.Get(name) }

// Create instantiates a worker from the Default registry.
func Create(name string, cfg Config) (Worker, bool) { return Default.Create(name, cfg) }

// List returns the names in the Default registry.
func List() []string { return Default.List() }

package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Catalog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Catalog caches parsed templates by signature.
//
// Reads of a cached template take no lock. The first load of a signature is
// serialised per key, so concurrent lookups of the same new signature parse
// the file once. Failed loads are not cached; a later lookup retries.
type Catalog struct {
	src     Source
	entries sync.Map // Signature -> *Template
	loads   singleflight.Group
	count   atomic.Int64
	logger  Logger
}

// New creates a catalog backed by src.
func New(src Source) *Catalog {
	return &Catalog{src: src, logger: noopLogger{}}
}

// SetLogger sets the logger for the catalog.
func (c *Catalog) SetLogger(logger Logger) {
	c.logger = logger
}

// Lookup returns the template for sig, loading it on first use.
func (c *Catalog) Lookup(sig Signature) (*Template, error) {
	if v, ok := c.entries.Load(sig); ok {
		return v.(*Template), nil
	}

	v, err, _ := c.loads.Do(sig.String(), func() (any, error) {
		// Another caller may have finished loading while we waited.
		if v, ok := c.entries.Load(sig); ok {
			return v, nil
		}
		if c.src == nil {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, sig)
		}

		data, err := c.src.Load(sig)
		if err != nil {
			return nil, err
		}
		t, err := Parse(sig, data)
		if err != nil {
			c.logger.Warn("rejecting device template", "signature", sig.String(), "error", err)
			return nil, err
		}

		if _, loaded := c.entries.LoadOrStore(sig, t); !loaded {
			c.count.Add(1)
		}
		c.logger.Debug("device template loaded", "signature", sig.String(), "name", t.Name)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Invalidate drops the cached template for sig so the next lookup reloads it.
func (c *Catalog) Invalidate(sig Signature) {
	if _, loaded := c.entries.LoadAndDelete(sig); loaded {
		c.count.Add(-1)
	}
}

// Purge drops every cached template.
func (c *Catalog) Purge() {
	c.entries.Range(func(k, _ any) bool {
		c.Invalidate(k.(Signature))
		return true
	})
}

// Len returns the number of cached templates.
func (c *Catalog) Len() int {
	return int(c.count.Load())
}

// Binder receives a resolved template for a unit.
type Binder interface {
	BindTemplate(unitID uint16, t *Template) error
}

// LoadDeviceInfo resolves sig and binds the template onto unit unitID.
// When no template exists the unit is left untouched and
// ErrTemplateNotFound is returned; the unit remains usable for raw access.
func (c *Catalog) LoadDeviceInfo(sig Signature, b Binder, unitID uint16) (*Template, error) {
	t, err := c.Lookup(sig)
	if err != nil {
		return nil, err
	}
	if err := b.BindTemplate(unitID, t); err != nil {
		return nil, fmt.Errorf("binding %s to unit %d: %w", sig, unitID, err)
	}
	return t, nil
}

var defaultCatalog atomic.Pointer[Catalog]

// Configure installs the process-wide catalog and returns it. Templates
// already cached by a previous default catalog are discarded.
func Configure(src Source) *Catalog {
	c := New(src)
	defaultCatalog.Store(c)
	return c
}

// Default returns the process-wide catalog, initialised with the built-in
// templates on first use.
func Default() *Catalog {
	if c := defaultCatalog.Load(); c != nil {
		return c
	}
	defaultCatalog.CompareAndSwap(nil, New(Builtin()))
	return defaultCatalog.Load()
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrUnknownTransport is returned when no builder is registered under the
	// configured PubSubSystem.
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrIncompleteTransport is returned when a builder hands back a transport
	// without a publisher or without a subscriber. A node needs both.
	ErrIncompleteTransport = errors.New("transport needs a publisher and a subscriber")
)

// Factory builds the transport a node runs on. *Registry implements it.
type Factory interface {
	Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)
}

type registration struct {
	build Builder
	caps  Capabilities
}

// Registry maps PubSubSystem names to builders and capabilities. Names are
// case-insensitive. Transport packages register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry NewNode uses when no factory is given.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds builder under name. Capabilities registered earlier for the
// same name are kept.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeName(name)
	e := r.entries[key]
	e.build = builder
	r.entries[key] = e
}

// RegisterWithCapabilities adds builder under name together with what the
// transport can do.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = registration{build: builder, caps: caps}
}

// GetCapabilities returns what was registered for name. Unknown names and
// transports registered without capabilities report only their name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	e := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if e.caps.Name == "" {
		e.caps.Name = normalizeName(name)
	}
	return e.caps
}

// Build runs the builder registered for cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	name := normalizeName(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	return e.build(ctx, cfg, logger)
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalizeName(name)]
	return ok && e.build != nil
}

// Link is a built transport together with the capabilities the node sizes
// its outbound lanes by.
type Link struct {
	Transport
	Capabilities Capabilities
}

// Open builds the transport cfg names with f, or with DefaultRegistry when
// f is nil. Capabilities reported by the publisher itself take precedence
// over the ones registered for the name.
func Open(ctx context.Context, f Factory, cfg Config, logger watermill.LoggerAdapter) (Link, error) {
	if cfg == nil {
		return Link{}, fmt.Errorf("config is required")
	}
	if f == nil {
		f = DefaultRegistry
	}
	name := cfg.GetPubSubSystem()

	t, err := f.Build(ctx, cfg, logger)
	if err != nil {
		return Link{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		if t.Publisher != nil {
			_ = t.Publisher.Close()
		}
		if t.Subscriber != nil {
			_ = t.Subscriber.Close()
		}
		return Link{}, fmt.Errorf("build %s transport: %w", name, ErrIncompleteTransport)
	}
	return Link{Transport: t, Capabilities: resolveCapabilities(f, t, name)}, nil
}

func resolveCapabilities(f Factory, t Transport, name string) Capabilities {
	if reporter, ok := t.Publisher.(interface{ GetCapabilities() Capabilities }); ok {
		return reporter.GetCapabilities()
	}
	if r, ok := f.(*Registry); ok {
		return r.GetCapabilities(name)
	}
	return DefaultRegistry.GetCapabilities(name)
}

// Register adds a transport builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to
// the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

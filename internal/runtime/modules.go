package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
)

// Publisher is a module producing events. Start runs the publisher's worker
// and should return once ctx is cancelled; Stop asks it to finish.
type Publisher interface {
	Events() []handles.EventDescriptor
	Start(ctx context.Context) error
	Stop()
}

// TemplateProvider lets subscribers preview sample data of an event before
// they subscribe to it.
type TemplateProvider interface {
	Template(eventID uint16) any
}

// Associator is notified about correlated events. For one correlation it is
// called twice, once per direction.
type Associator interface {
	Associate(first, second handles.SubscriptionHandle)
}

// MessageReceiver accepts application messages. isReply is true when msg
// answers a message the module sent.
type MessageReceiver interface {
	ReceiveMessage(msg handles.ApplicationMessage, isReply bool)
}

var (
	associatorType = reflect.TypeFor[Associator]()
	receiverType   = reflect.TypeFor[MessageReceiver]()
)

// checkCapabilities rejects modules that declare Associate or ReceiveMessage
// with a signature the router cannot call.
func checkCapabilities(module any) error {
	t := reflect.TypeOf(module)
	if _, ok := t.MethodByName("Associate"); ok && !t.Implements(associatorType) {
		return fmt.Errorf("%s: %w", t, errspkg.ErrInvalidAssociate)
	}
	if _, ok := t.MethodByName("ReceiveMessage"); ok && !t.Implements(receiverType) {
		return fmt.Errorf("%s: %w", t, errspkg.ErrInvalidReceiver)
	}
	return nil
}

// isInstance reports whether v is a non-nil pointer, the only values that
// get module ids.
func isInstance(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Pointer && !rv.IsNil()
}

func checkSubscriber(subscriber any) error {
	if !isInstance(subscriber) {
		return errspkg.ErrInvalidSubscriber
	}
	return checkCapabilities(subscriber)
}

func checkPublisher(publisher Publisher) error {
	if !isInstance(publisher) {
		return errspkg.ErrInvalidPublisher
	}
	if err := checkCapabilities(publisher); err != nil {
		return err
	}
	events := publisher.Events()
	if len(events) == 0 {
		return fmt.Errorf("%T: %w", publisher, errspkg.ErrNoEvents)
	}
	seen := make(map[uint16]struct{}, len(events))
	for _, ev := range events {
		if ev.DataType == "" {
			return fmt.Errorf("%T event %d: %w", publisher, ev.EventID, errspkg.ErrMissingDataType)
		}
		if _, dup := seen[ev.EventID]; dup {
			return fmt.Errorf("%T event %d: %w", publisher, ev.EventID, errspkg.ErrDuplicateEventID)
		}
		seen[ev.EventID] = struct{}{}
	}
	return nil
}

// ModuleKind tells the registry how to bring a module up.
type ModuleKind uint8

const (
	PublisherModule ModuleKind = iota + 1
	SubscriberModule
)

func (k ModuleKind) String() string {
	switch k {
	case PublisherModule:
		return "publisher"
	case SubscriberModule:
		return "subscriber"
	default:
		return fmt.Sprintf("module_kind(%d)", uint8(k))
	}
}

// ModuleFactory creates a module instance bound to node.
type ModuleFactory func(node *Node) (any, error)

// ModuleDescriptor registers one module with a ModuleRegistry.
type ModuleDescriptor struct {
	Name    string
	Kind    ModuleKind
	Factory ModuleFactory
}

// ModuleStarter is implemented by subscriber modules that need to run code,
// typically their Subscribe calls, when the node brings modules up.
type ModuleStarter interface {
	Start(ctx context.Context) error
}

// ModuleRegistry is the explicit list of modules a node can create.
type ModuleRegistry struct {
	mu      sync.RWMutex
	order   []string
	modules map[string]ModuleDescriptor
}

func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]ModuleDescriptor)}
}

// Register adds desc. Names must be unique.
func (r *ModuleRegistry) Register(desc ModuleDescriptor) error {
	if desc.Name == "" {
		return errspkg.ErrModuleNameRequired
	}
	if desc.Factory == nil {
		return fmt.Errorf("module %q: %w", desc.Name, errspkg.ErrModuleFactory)
	}
	if desc.Kind != PublisherModule && desc.Kind != SubscriberModule {
		return fmt.Errorf("module %q: %w", desc.Name, errspkg.ErrModuleKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[desc.Name]; ok {
		return fmt.Errorf("module %q: %w", desc.Name, errspkg.ErrModuleExists)
	}
	r.modules[desc.Name] = desc
	r.order = append(r.order, desc.Name)
	return nil
}

// Descriptors returns the registered descriptors in registration order.
func (r *ModuleRegistry) Descriptors() []ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modules[name])
	}
	return out
}

// Create instantiates the module name for node and validates its
// capabilities.
func (r *ModuleRegistry) Create(name string, node *Node) (any, error) {
	r.mu.RLock()
	desc, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q: %w", name, errspkg.ErrModuleNotFound)
	}
	return desc.create(node)
}

func (d ModuleDescriptor) create(node *Node) (any, error) {
	instance, err := d.Factory(node)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", d.Name, err)
	}

	switch d.Kind {
	case PublisherModule:
		pub, ok := instance.(Publisher)
		if !ok {
			return nil, fmt.Errorf("module %q: %w", d.Name, errspkg.ErrMissingLifecycle)
		}
		if err := checkPublisher(pub); err != nil {
			return nil, fmt.Errorf("module %q: %w", d.Name, err)
		}
	case SubscriberModule:
		if err := checkSubscriber(instance); err != nil {
			return nil, fmt.Errorf("module %q: %w", d.Name, err)
		}
	}
	return instance, nil
}

package ella

import (
	"context"

	runtimepkg "github.com/drblury/ella/internal/runtime"
	"github.com/drblury/ella/internal/runtime/codec"
	configpkg "github.com/drblury/ella/internal/runtime/config"
	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	idspkg "github.com/drblury/ella/internal/runtime/ids"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

type (
	Config           = configpkg.Config
	Node             = runtimepkg.Node
	NodeDependencies = runtimepkg.NodeDependencies
	NodeStatus       = runtimepkg.NodeStatus
	EventStatus      = runtimepkg.EventStatus
	TransportFactory = runtimepkg.TransportFactory

	// Module capabilities
	Publisher        = runtimepkg.Publisher
	TemplateProvider = runtimepkg.TemplateProvider
	Associator       = runtimepkg.Associator
	MessageReceiver  = runtimepkg.MessageReceiver
	ModuleStarter    = runtimepkg.ModuleStarter

	// Module registry
	ModuleKind       = runtimepkg.ModuleKind
	ModuleFactory    = runtimepkg.ModuleFactory
	ModuleDescriptor = runtimepkg.ModuleDescriptor
	ModuleRegistry   = runtimepkg.ModuleRegistry

	SubscribeOption = runtimepkg.SubscribeOption

	// Identifiers
	NodeID             = handles.NodeID
	CopyPolicy         = handles.CopyPolicy
	EventDescriptor    = handles.EventDescriptor
	EventHandle        = handles.EventHandle
	SubscriptionHandle = handles.SubscriptionHandle
	ApplicationMessage = handles.ApplicationMessage

	// Copy support for payload types
	Cloner = codec.Cloner

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Dispatch lifecycle hooks
	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks
	WireType        = wire.Type

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Transport layer
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

const (
	PublisherModule  = runtimepkg.PublisherModule
	SubscriberModule = runtimepkg.SubscriberModule

	CopyNone     = handles.CopyNone
	CopyNoModify = handles.CopyNoModify
	CopyModify   = handles.CopyModify
)

var (
	DefaultConfig     = configpkg.Default
	NewModuleRegistry = runtimepkg.NewModuleRegistry
	LocalOnly         = runtimepkg.LocalOnly

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware

	// Dispatch lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	CountingHooks = runtimepkg.CountingHooks

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrNodeClosed          = errspkg.ErrNodeClosed
	ErrInvalidSubscriber   = errspkg.ErrInvalidSubscriber
	ErrInvalidPublisher    = errspkg.ErrInvalidPublisher
	ErrInvalidSender       = errspkg.ErrInvalidSender
	ErrCallbackRequired    = errspkg.ErrCallbackRequired
	ErrInvalidAssociate    = errspkg.ErrInvalidAssociate
	ErrInvalidReceiver     = errspkg.ErrInvalidReceiver
	ErrMissingLifecycle    = errspkg.ErrMissingLifecycle
	ErrNoEvents            = errspkg.ErrNoEvents
	ErrDuplicateEventID    = errspkg.ErrDuplicateEventID
	ErrMissingDataType     = errspkg.ErrMissingDataType
	ErrPublisherRunning    = errspkg.ErrPublisherRunning
	ErrPublisherNotRunning = errspkg.ErrPublisherNotRunning
	ErrModuleNotFound      = errspkg.ErrModuleNotFound
	ErrModuleExists        = errspkg.ErrModuleExists

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewDiscardLogger     = loggingpkg.NewDiscardLogger

	CreateULID = idspkg.CreateULID
)

// NewNode creates a node from conf. See runtime.NewNode.
func NewNode(conf *Config, logger ServiceLogger, ctx context.Context, deps NodeDependencies) (*Node, error) {
	return runtimepkg.NewNode(conf, logger, ctx, deps)
}

// Subscribe binds callback to every event of type T on node and on every node
// it discovers.
func Subscribe[T any](node *Node, subscriber any, callback func(T, SubscriptionHandle), opts ...SubscribeOption) error {
	return runtimepkg.Subscribe(node, subscriber, callback, opts...)
}

// UnsubscribeType removes all subscriptions of subscriber to type T.
func UnsubscribeType[T any](node *Node, subscriber any) {
	runtimepkg.UnsubscribeType[T](node, subscriber)
}

// WithPredicate filters local events by their publisher's template.
func WithPredicate[T any](pred func(T) bool) SubscribeOption {
	return runtimepkg.WithPredicate(pred)
}

// RegisterTypeName sets the type tag T travels under. Nodes exchanging T must
// agree on it; the default is the Go type name.
func RegisterTypeName[T any](name string) {
	codec.RegisterName[T](name)
}

// TypeTag returns the type tag of T, for use in EventDescriptor.DataType.
func TypeTag[T any]() string {
	return codec.TagFor[T]()
}

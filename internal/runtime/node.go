package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/ella/internal/runtime/config"
	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	idspkg "github.com/drblury/ella/internal/runtime/ids"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// TransportFactory builds the link layer of a node. *transport.Registry
// satisfies it.
type TransportFactory = transport.Factory

// NodeDependencies holds the optional collaborators of a Node. Leave fields
// nil to use the defaults.
type NodeDependencies struct {
	TransportFactory          TransportFactory
	Registerer                prometheus.Registerer
	Modules                   *ModuleRegistry
	Hooks                     DispatchHooks
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

type runningPublisher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Node is one middleware process. It owns the transport, the inbound router,
// the subscription registry and the protocol state shared with other nodes.
type Node struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	id         handles.NodeID
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	caps       transport.Capabilities

	model    *model
	nodes    *nodeTable
	pending  *pendingTable
	outbound *outbound
	ids      *idspkg.Allocator
	modules  *ModuleRegistry
	hooks    DispatchHooks
	metrics  *nodeMetrics
	tracer   trace.Tracer
	pool     errgroup.Group
	nextID   atomic.Int32

	registerer prometheus.Registerer

	ctx    context.Context
	cancel context.CancelFunc

	publishersMu sync.Mutex
	publishers   map[Publisher]*runningPublisher

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	routerErr chan error
}

// NewNode validates conf, builds the configured transport and wires the
// inbound router. Register modules and subscriptions, then call Start.
func NewNode(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps NodeDependencies) (*Node, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log = log.With(loggingpkg.LogFields{"node_id": conf.NodeID})
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating node", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	nodeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := &Node{
		Conf:       conf,
		Logger:     log,
		id:         handles.NodeID(conf.NodeID),
		model:      newModel(),
		nodes:      newNodeTable(conf.MaxQueueSize),
		pending:    newPendingTable(),
		ids:        idspkg.NewAllocator(),
		modules:    deps.Modules,
		hooks:      deps.Hooks,
		metrics:    newNodeMetrics(handles.NodeID(conf.NodeID)),
		tracer:     otel.Tracer("github.com/drblury/ella"),
		ctx:        nodeCtx,
		cancel:     cancel,
		publishers: make(map[Publisher]*runningPublisher),
		routerErr:  make(chan error, 1),
	}
	if n.modules == nil {
		n.modules = NewModuleRegistry()
	}
	n.pool.SetLimit(conf.ServerThreadPoolSize)

	n.registerer = deps.Registerer
	if n.registerer == nil {
		n.registerer = prometheus.DefaultRegisterer
	}
	if deps.Registerer != nil || conf.MetricsEnabled {
		if err := n.metrics.register(n.registerer); err != nil {
			cancel()
			return nil, fmt.Errorf("register node metrics: %w", err)
		}
	}

	link, err := transport.Open(ctx, deps.TransportFactory, conf, wmLogger)
	if err != nil {
		cancel()
		return nil, err
	}
	n.publisher = link.Publisher
	n.subscriber = link.Subscriber
	n.caps = link.Capabilities

	n.outbound = newOutbound(n.publisher, log, n.metrics, conf.MaxQueueSize, n.caps.MessageLimit(conf.MTU))

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wmLogger)
	if err != nil {
		cancel()
		return nil, err
	}
	n.router = router
	n.router.AddNoPublisherHandler("ella_broadcast", transport.BroadcastTopic, n.subscriber, n.handle)
	n.router.AddNoPublisherHandler("ella_node", transport.NodeTopic(conf.NodeID), n.subscriber, n.handle)

	if err := n.registerConfiguredMiddlewares(deps); err != nil {
		cancel()
		return nil, err
	}
	n.RegisterHTTPHandler(conf.MetricsPort, "/ella/status", http.HandlerFunc(n.handleStatus))

	return n, nil
}

func (n *Node) registerConfiguredMiddlewares(deps NodeDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := n.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// ID returns the node id.
func (n *Node) ID() handles.NodeID { return n.id }

// Capabilities reports what the underlying transport supports.
func (n *Node) Capabilities() transport.Capabilities { return n.caps }

// Modules returns the registry StartModules creates modules from.
func (n *Node) Modules() *ModuleRegistry { return n.modules }

// KnownNodes returns the ids of the remote nodes discovered so far.
func (n *Node) KnownNodes() []handles.NodeID { return n.nodes.ids() }

// ListenPort is the port announced in discovery messages. Transports bound
// to an ephemeral port report the port they actually use.
func (n *Node) ListenPort() int {
	if a, ok := n.publisher.(interface{ Addr() *net.UDPAddr }); ok && a.Addr() != nil {
		return a.Addr().Port
	}
	return n.Conf.NetworkPort
}

// Start runs the inbound router and announces the node once the router is
// subscribed. It returns when the node is ready.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return errspkg.ErrNodeClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	go func() {
		n.routerErr <- routerRun(n.router, n.ctx)
	}()

	select {
	case <-n.router.Running():
	case err := <-n.routerErr:
		if err == nil {
			err = errors.New("router stopped before it was running")
		}
		return fmt.Errorf("start router: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	n.startHTTPServers()
	n.announce()
	n.Logger.Info("Node started", loggingpkg.LogFields{
		"listen_port": n.ListenPort(),
		"transport":   n.caps.Name,
	})
	return nil
}

// StartModules creates every registered module. Publishers are started and
// subscriber modules implementing ModuleStarter get their Start called.
func (n *Node) StartModules(ctx context.Context) ([]any, error) {
	var instances []any
	for _, desc := range n.modules.Descriptors() {
		instance, err := desc.create(n)
		if err != nil {
			return instances, err
		}
		switch desc.Kind {
		case PublisherModule:
			if err := n.StartPublisher(instance.(Publisher)); err != nil {
				return instances, fmt.Errorf("module %q: %w", desc.Name, err)
			}
		case SubscriberModule:
			if starter, ok := instance.(ModuleStarter); ok {
				if err := starter.Start(ctx); err != nil {
					return instances, fmt.Errorf("module %q: %w", desc.Name, err)
				}
			}
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close notifies the other nodes, stops all publishers and shuts the
// transport down. In-flight outbound messages may be lost.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		n.closed.Store(true)

		if n.started.Load() {
			shutdown := wire.Message{Type: wire.NodeShutdown, ID: n.nextMessageID(), Sender: n.id}
			if err := n.outbound.publishNow(destination{broadcast: true}, shutdown); err != nil {
				n.Logger.Error("Failed to broadcast shutdown", err, nil)
			}
		}

		n.stopPublishers()
		n.cancel()

		if err := n.router.Close(); err != nil {
			errs = append(errs, err)
		}
		_ = n.pool.Wait()
		n.outbound.close()
		n.stopHTTPServers()

		if err := n.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := n.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		n.Logger.Info("Node closed", nil)
	})
	return errors.Join(errs...)
}

func (n *Node) nextMessageID() int32 {
	return n.nextID.Add(1)
}

// send queues m for a known node.
func (n *Node) send(node handles.NodeID, m wire.Message) {
	endpoint, ok := n.nodes.endpoint(node)
	if !ok {
		n.Logger.Error("Cannot send wire message", errspkg.ErrUnknownNode, loggingpkg.LogFields{
			"target": node,
			"type":   m.Type.String(),
		})
		return
	}
	n.sendTo(node, endpoint, m)
}

func (n *Node) sendTo(node handles.NodeID, endpoint string, m wire.Message) {
	if n.closed.Load() {
		return
	}
	m.Sender = n.id
	if m.ID == 0 {
		m.ID = n.nextMessageID()
	}
	n.outbound.enqueue(destination{node: node}, endpoint, m)
}

func (n *Node) broadcast(m wire.Message) {
	if n.closed.Load() {
		return
	}
	m.Sender = n.id
	if m.ID == 0 {
		m.ID = n.nextMessageID()
	}
	n.outbound.enqueue(destination{broadcast: true}, "", m)
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers are
// started by Start. Port 0 disables the handler.
func (n *Node) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	if port <= 0 {
		return
	}
	n.httpServersMu.Lock()
	defer n.httpServersMu.Unlock()

	if n.httpServers == nil {
		n.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := n.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		n.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (n *Node) startHTTPServers() {
	n.httpServersMu.Lock()
	defer n.httpServersMu.Unlock()

	for port, mux := range n.httpServers {
		addr := ":" + strconv.Itoa(port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		n.servers = append(n.servers, srv)
		n.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (n *Node) stopHTTPServers() {
	n.httpServersMu.Lock()
	defer n.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range n.servers {
		if err := srv.Shutdown(ctx); err != nil {
			n.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
	n.servers = nil
}

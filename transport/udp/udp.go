// Package udp provides the native UDP transport for ella.
//
// Every node listens on one UDP port. Unicast messages go to the endpoint in
// the transport.MetadataEndpoint metadata key. Messages without an endpoint
// are broadcast to the multicast group on every port of the discovery range,
// so nodes on one host can use distinct ports and still find each other.
//
// Delivery is best effort: datagrams are neither acknowledged nor retried, and
// a datagram arriving while a subscriber's buffer is full is dropped.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/net/ipv4"

	"github.com/drblury/ella/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "udp"

const (
	// DefaultMTU is the largest datagram sent when no MTU is configured.
	DefaultMTU = 1440

	// DefaultBuffer is the number of datagrams queued per subscription.
	DefaultBuffer = 256

	// DefaultMulticastAddress is the group used when none is configured.
	DefaultMulticastAddress = "228.4.0.1"

	maxDatagram = 65535
)

// ErrDatagramTooLarge is returned when an encoded message exceeds the MTU.
var ErrDatagramTooLarge = errors.New("udp: datagram exceeds MTU")

func init() {
	Register()
}

// Register registers the UDP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.UDPCapabilities)
}

// Build creates a UDP transport from the node configuration.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	start, end := cfg.GetDiscoveryPortRange()
	t, err := New(Config{
		BindAddress:      cfg.GetBindAddress(),
		Port:             cfg.GetNetworkPort(),
		MulticastAddress: cfg.GetMulticastAddress(),
		PortRangeStart:   start,
		PortRangeEnd:     end,
		MTU:              cfg.GetMTU(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.UDPCapabilities
}

// Config holds UDP-specific configuration.
type Config struct {
	// BindAddress is the local IPv4 address to listen on.
	BindAddress string

	// Port is the local port. 0 picks a free port, see Transport.Addr.
	Port int

	// MulticastAddress is the group broadcasts are sent to. A non-multicast
	// address is accepted and used as a plain unicast target.
	MulticastAddress string

	// PortRangeStart and PortRangeEnd bound the ports broadcasts are sent to.
	PortRangeStart int
	PortRangeEnd   int

	// MTU caps the encoded size of a single datagram.
	MTU int

	// Buffer is the number of datagrams queued per subscription.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.MulticastAddress == "" {
		c.MulticastAddress = DefaultMulticastAddress
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = c.Port
	}
	if c.PortRangeEnd < c.PortRangeStart {
		c.PortRangeEnd = c.PortRangeStart
	}
	return c
}

// broadcastAddrs lists every destination of a broadcast.
func (c Config) broadcastAddrs() ([]*net.UDPAddr, error) {
	ip := net.ParseIP(c.MulticastAddress).To4()
	if ip == nil {
		return nil, fmt.Errorf("udp: invalid multicast address %q", c.MulticastAddress)
	}
	addrs := make([]*net.UDPAddr, 0, c.PortRangeEnd-c.PortRangeStart+1)
	for port := c.PortRangeStart; port <= c.PortRangeEnd; port++ {
		if port <= 0 {
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

type subscription struct {
	in     chan *message.Message
	output chan *message.Message
}

// Transport implements Publisher and Subscriber over one UDP socket.
type Transport struct {
	conn      *net.UDPConn
	config    Config
	logger    watermill.LoggerAdapter
	broadcast []*net.UDPAddr

	subscriptions map[string][]*subscription
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the socket, joins the multicast group and starts reading.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	bind := net.ParseIP(cfg.BindAddress)
	if bind == nil {
		return nil, fmt.Errorf("udp: invalid bind address %q", cfg.BindAddress)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bind, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("udp: failed to listen: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = conn.LocalAddr().(*net.UDPAddr).Port
		if cfg.PortRangeStart == 0 {
			cfg.PortRangeStart, cfg.PortRangeEnd = cfg.Port, cfg.Port
		}
	}

	broadcast, err := cfg.broadcastAddrs()
	if err != nil {
		conn.Close()
		return nil, err
	}

	t := &Transport{
		conn:          conn,
		config:        cfg,
		logger:        logger,
		broadcast:     broadcast,
		subscriptions: make(map[string][]*subscription),
		closedChan:    make(chan struct{}),
	}
	t.joinGroup()

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

func (t *Transport) joinGroup() {
	group := net.ParseIP(t.config.MulticastAddress)
	if !group.IsMulticast() {
		return
	}
	p := ipv4.NewPacketConn(t.conn)
	if err := p.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		// unicast traffic still arrives without group membership
		t.logger.Info("UDP multicast join failed", watermill.LogFields{
			"group": t.config.MulticastAddress,
			"error": err.Error(),
		})
		return
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		t.logger.Debug("UDP multicast loopback not set", watermill.LogFields{"error": err.Error()})
	}
}

// Addr returns the local address the transport listens on.
func (t *Transport) Addr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Publish sends every message as one datagram.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	for _, msg := range messages {
		b := marshalDatagram(topic, msg)
		if len(b) > t.config.MTU {
			return fmt.Errorf("%w: %d > %d bytes on %s", ErrDatagramTooLarge, len(b), t.config.MTU, topic)
		}

		targets := t.broadcast
		if endpoint := msg.Metadata.Get(transport.MetadataEndpoint); endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp4", endpoint)
			if err != nil {
				return fmt.Errorf("udp: invalid endpoint %q: %w", endpoint, err)
			}
			targets = []*net.UDPAddr{addr}
		}

		for _, addr := range targets {
			if _, err := t.conn.WriteToUDP(b, addr); err != nil {
				return fmt.Errorf("udp: failed to send to %s: %w", addr, err)
			}
		}
	}
	return nil
}

// Subscribe returns the messages received for topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}

	sub := &subscription{
		in:     make(chan *message.Message, t.config.Buffer),
		output: make(chan *message.Message),
	}

	t.subMu.Lock()
	t.subscriptions[topic] = append(t.subscriptions[topic], sub)
	t.subMu.Unlock()

	t.wg.Add(1)
	go t.forward(ctx, topic, sub)

	return sub.output, nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("UDP read failed", err, nil)
			continue
		}

		topic, msg, err := unmarshalDatagram(buf[:n])
		if err != nil {
			t.logger.Error("Dropping malformed datagram", err, watermill.LogFields{"source": src.String()})
			continue
		}
		msg.Metadata.Set(transport.MetadataSourceHost, src.IP.String())

		t.subMu.RLock()
		subs := t.subscriptions[topic]
		for _, sub := range subs {
			select {
			case sub.in <- msg.Copy():
			default:
				t.logger.Info("Dropping datagram, subscriber buffer full", watermill.LogFields{
					"topic":  topic,
					"source": src.String(),
				})
			}
		}
		t.subMu.RUnlock()
	}
}

// forward hands queued messages to the subscriber one at a time and waits
// for each to be acked or nacked. A nacked datagram is not redelivered.
func (t *Transport) forward(ctx context.Context, topic string, sub *subscription) {
	defer t.wg.Done()
	defer close(sub.output)
	defer t.removeSubscription(topic, sub)

	for {
		var msg *message.Message
		select {
		case msg = <-sub.in:
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		}

		select {
		case sub.output <- msg:
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			t.logger.Debug("Datagram nacked, dropping", watermill.LogFields{"topic": topic, "uuid": msg.UUID})
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		}
	}
}

func (t *Transport) removeSubscription(topic string, sub *subscription) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	subs := t.subscriptions[topic]
	for i, s := range subs {
		if s == sub {
			t.subscriptions[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subscriptions[topic]) == 0 {
		delete(t.subscriptions, topic)
	}
}

// Close stops reading and closes every subscription channel.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// GetCapabilities returns the UDP transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.UDPCapabilities
}

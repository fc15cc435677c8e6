// Package channel provides an in-memory Go channel transport for ella.
// Every node built in the same process shares one bus, so several nodes can
// talk to each other without a network. This transport is useful for testing
// and local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ella/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultOutputBuffer is the per-subscription buffer of the shared bus.
const DefaultOutputBuffer = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := acquire(cfg, logger)
	return pubSub, pubSub
}

var bus struct {
	mu     sync.Mutex
	pubSub *gochannel.GoChannel
	refs   int
}

// handle is one node's reference to the shared bus. The bus is closed when
// the last handle is closed.
type handle struct {
	*gochannel.GoChannel
	once sync.Once
}

func acquire(cfg gochannel.Config, logger watermill.LoggerAdapter) *handle {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.pubSub == nil {
		bus.pubSub = gochannel.NewGoChannel(cfg, logger)
	}
	bus.refs++
	return &handle{GoChannel: bus.pubSub}
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		bus.refs--
		if bus.refs == 0 && bus.pubSub != nil {
			err = bus.pubSub.Close()
			bus.pubSub = nil
		}
	})
	return err
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build attaches to the in-process bus.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: DefaultOutputBuffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

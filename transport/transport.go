// Package transport defines the core interfaces and types for ella transports.
// Each transport implementation (udp, kafka, rabbitmq, aws, etc.) lives in its
// own sub-package and registers itself with the transport registry.
//
// A node subscribes to two topics: BroadcastTopic, which every node receives,
// and its own NodeTopic. Broker transports therefore have to give every node
// its own consumer identity, otherwise broadcasts would be load balanced
// between nodes instead of fanned out.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// BroadcastTopic is received by every node.
const BroadcastTopic = "ella-broadcast"

const (
	// MetadataEndpoint carries the destination "host:port" of a unicast
	// message. Transports that address nodes by topic ignore it.
	MetadataEndpoint = "ella_endpoint"

	// MetadataSourceHost is set by transports that know the remote host a
	// message arrived from.
	MetadataSourceHost = "ella_source_host"
)

// NodeTopic returns the topic only the given node subscribes to.
func NodeTopic(node uint8) string {
	return fmt.Sprintf("ella-node-%d", node)
}

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetNodeID returns the id of the local node. Broker transports derive
	// per-node consumer names from it.
	GetNodeID() uint8

	// UDP
	GetBindAddress() string
	GetNetworkPort() int
	GetMulticastAddress() string
	GetMTU() int
	GetDiscoveryPortRange() (int, int)

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

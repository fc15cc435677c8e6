// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/ella/transport/aws"
	_ "github.com/drblury/ella/transport/channel"
	_ "github.com/drblury/ella/transport/jetstream"
	_ "github.com/drblury/ella/transport/kafka"
	_ "github.com/drblury/ella/transport/nats"
	_ "github.com/drblury/ella/transport/rabbitmq"
	_ "github.com/drblury/ella/transport/udp"
)

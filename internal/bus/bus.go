// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"fmt"

	"github.com/opensource-retail/kestrel/internal/domain"
)

// New creates an event bus based on configuration. Single-node
// deployments use ChannelBus; distributed deployments use NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

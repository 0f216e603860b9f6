// Package bus carries lifecycle events such as connectivity changes and
// drain results between components.
package bus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// New creates a new event bus based on configuration.
// Embedded deployments use ChannelBus; hosted ones use NATSBus.
func New(cfg domain.EventBusConfig, logger *zap.Logger) (domain.EventBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus")

	switch cfg.Type {
	case "", "channel":
		source := cfg.Source
		if source == "" {
			source = "local"
		}
		return newChannelBus(cfg.ChannelBufferSize, source, logger), nil

	case "nats":
		b, err := NewNATSBus(cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

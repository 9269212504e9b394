package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/castellanhq/castellan/pkg/channels/gochannel"
	"github.com/castellanhq/castellan/pkg/channels/kafka"
	"github.com/castellanhq/castellan/pkg/eventbus"
)

// NewEventBus creates an event bus for the given provider. The default is
// the in-process gochannel bus, which is enough for single-binary
// deployments; kafka splits the API and the engine across processes.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "castellan")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "", "gochannel":
		pubSub, _, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pubSub, pubSub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/notify"
)

// NewStore returns the entity store the engine reads records from. The
// in-memory store is the built-in implementation; a CRM-backed store
// plugs in at this boundary.
func NewStore() entities.Store {
	return entities.NewMemoryStore()
}

// NewNotifier returns the notification channel implementation.
func NewNotifier(logger *slog.Logger) notify.Notifier {
	return notify.NewLogNotifier(logger)
}

// NewModelRegistry loads the automatable model specs from a JSON file of
// the form {"models": [...]}. An empty path yields an empty registry, which
// rejects every field update until models are registered.
func NewModelRegistry(modelsPath string) (*entities.Registry, error) {
	reg := entities.NewRegistry()

	if modelsPath == "" {
		return reg, nil
	}

	data, err := os.ReadFile(modelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var manifest struct {
		Models []entities.ModelSpec `json:"models"`
	}

	err = json.Unmarshal(data, &manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}

	for _, spec := range manifest.Models {
		reg.Register(spec)
	}

	return reg, nil
}

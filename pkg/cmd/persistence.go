// Package cmd provides shared construction helpers for the castellan
// binaries: persistence, event bus, executor registry and the entity
// store boundary.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/persistence/file"
	"github.com/castellanhq/castellan/pkg/persistence/postgresql"
)

// NewPersistence picks the persistence provider from the database URL
// scheme. Anything that is not postgres falls back to the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		return p
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.SplitN(databaseURL, "://", 2)

	return parts[0]
}

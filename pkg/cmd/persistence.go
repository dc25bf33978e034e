// Package cmd provides common initialization for the conduit binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/persistence/memory"
	"github.com/dukex/conduit/pkg/persistence/postgresql"
	"github.com/dukex/conduit/pkg/queue"
	memoryqueue "github.com/dukex/conduit/pkg/queue/memory"
	postgresqueue "github.com/dukex/conduit/pkg/queue/postgres"
)

// NewPersistence opens the domain store for the database URL. The empty URL
// and "memory://" select the in-process store used by tests and demos.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	if isMemory(databaseURL) {
		return memory.NewPersistence()
	}

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to open persistence: %w", err))
	}

	return p
}

// NewQueue opens the message queue backend for the database URL.
func NewQueue(ctx context.Context, logger *slog.Logger, databaseURL string) queue.Queue {
	if isMemory(databaseURL) {
		return memoryqueue.NewQueue()
	}

	q, err := postgresqueue.NewQueue(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to open queue: %w", err))
	}

	return q
}

func isMemory(databaseURL string) bool {
	return databaseURL == "" || strings.HasPrefix(databaseURL, "memory")
}

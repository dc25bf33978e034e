package cmd

import (
	"log/slog"

	"github.com/dukex/conduit/pkg/activities"
	"github.com/dukex/conduit/pkg/registry"
)

// NewRegistry builds an activity registry with the built-ins registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	activities.RegisterAll(reg)

	return reg
}

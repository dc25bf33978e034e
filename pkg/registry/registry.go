// Package registry keeps the set of activity handlers a worker can execute
// and validates activity configurations against their schemas.
package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

type Registry struct {
	logger   *slog.Logger
	handlers map[string]protocol.ActivityHandler
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log,
		handlers: make(map[string]protocol.ActivityHandler),
	}
}

// Register adds a handler, replacing any previous registration for the id.
func (r *Registry) Register(handler protocol.ActivityHandler) {
	r.handlers[handler.ID()] = handler
}

// Handler returns the handler for an activity id.
func (r *Registry) Handler(activityID string) (protocol.ActivityHandler, error) {
	handler, ok := r.handlers[activityID]
	if !ok {
		return nil, fmt.Errorf("activity '%s' not registered", activityID)
	}

	return handler, nil
}

// Definition returns the declared activity definition for an id.
func (r *Registry) Definition(activityID string) (*models.Activity, error) {
	handler, err := r.Handler(activityID)
	if err != nil {
		return nil, err
	}

	return handler.Definition(), nil
}

// ActivityIDs lists every registered activity.
func (r *Registry) ActivityIDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}

	return ids
}

// ValidateConfig checks a configuration against the activity's JSON schema.
// Activities without a schema accept anything.
func (r *Registry) ValidateConfig(activityID string, config map[string]any) error {
	handler, err := r.Handler(activityID)
	if err != nil {
		return err
	}

	schema := handler.ConfigSchema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate configuration for %s: %w", activityID, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, validationError := range result.Errors() {
			messages = append(messages, validationError.String())
		}

		return fmt.Errorf("configuration for %s failed schema validation: %s", activityID, strings.Join(messages, "; "))
	}

	return nil
}

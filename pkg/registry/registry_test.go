package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

type stubHandler struct {
	id     string
	schema map[string]any
}

func (s *stubHandler) ID() string { return s.id }

func (s *stubHandler) Definition() *models.Activity {
	return &models.Activity{ID: s.id, Name: s.id}
}

func (s *stubHandler) ConfigSchema() map[string]any { return s.schema }

func (*stubHandler) Execute(context.Context, *protocol.ActivityContext) (map[string]any, error) {
	return nil, nil
}

func newTestRegistry(handlers ...protocol.ActivityHandler) *Registry {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	for _, handler := range handlers {
		r.Register(handler)
	}

	return r
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(&stubHandler{id: "transcode"})

	handler, err := r.Handler("transcode")
	require.NoError(t, err)
	assert.Equal(t, "transcode", handler.ID())

	definition, err := r.Definition("transcode")
	require.NoError(t, err)
	assert.Equal(t, "transcode", definition.ID)

	_, err = r.Handler("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegisterReplaces(t *testing.T) {
	first := &stubHandler{id: "transcode"}
	second := &stubHandler{id: "transcode", schema: map[string]any{"type": "object"}}

	r := newTestRegistry(first, second)

	handler, err := r.Handler("transcode")
	require.NoError(t, err)
	assert.NotNil(t, handler.ConfigSchema())
}

func TestActivityIDs(t *testing.T) {
	r := newTestRegistry(&stubHandler{id: "a"}, &stubHandler{id: "b"})

	ids := r.ActivityIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestValidateConfig(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []string{"workflow_id"},
		"properties": map[string]any{
			"workflow_id": map[string]any{"type": "string"},
			"timeout":     map[string]any{"type": "number"},
		},
	}

	r := newTestRegistry(
		&stubHandler{id: "strict", schema: schema},
		&stubHandler{id: "lax"},
	)

	tests := []struct {
		name       string
		activityID string
		config     map[string]any
		wantErr    bool
	}{
		{"valid config", "strict", map[string]any{"workflow_id": "wf.x"}, false},
		{"missing required", "strict", map[string]any{"timeout": 5.0}, true},
		{"wrong type", "strict", map[string]any{"workflow_id": 42}, true},
		{"nil config against schema", "strict", nil, true},
		{"no schema accepts anything", "lax", map[string]any{"whatever": true}, false},
		{"no schema accepts nil", "lax", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateConfig(tt.activityID, tt.config)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateConfigUnknownActivity(t *testing.T) {
	r := newTestRegistry()

	err := r.ValidateConfig("ghost", nil)
	require.Error(t, err)
}

package echo

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

func TestExecuteCopiesDeclaredInputs(t *testing.T) {
	activityCtx := &protocol.ActivityContext{
		Job: &models.Job{
			Kind: models.KindJob,
			Inputs: []models.WorkflowActivityParameter{
				{Name: "title", Type: models.ParameterTypeContext, Value: "metadata_title"},
				{Name: "file", Type: models.ParameterTypeContentFile, Value: "upload"},
				{Name: "missing", Type: models.ParameterTypeContext, Value: "absent_key"},
			},
			Context: map[string]any{
				"metadata_title": "A Day in the Life",
				"upload":         "ignored",
			},
		},
		Configuration: map[string]any{"marker": true},
		Logger:        slog.New(slog.DiscardHandler),
	}

	outputs, err := NewActivity().Execute(t.Context(), activityCtx)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"title":  "A Day in the Life",
		"marker": true,
	}, outputs)
}

func TestExecuteEmptyJob(t *testing.T) {
	outputs, err := NewActivity().Execute(t.Context(), &protocol.ActivityContext{
		Job:    &models.Job{Kind: models.KindJob},
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

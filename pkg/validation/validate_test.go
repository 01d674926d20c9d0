package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestStruct(t *testing.T) {
	confidence := 1.5

	tests := []struct {
		name    string
		value   any
		wantErr string
	}{
		{
			name:  "valid candidate",
			value: models.CandidateInput{Label: "agua", Source: models.SourceLLM},
		},
		{
			name:    "missing label",
			value:   models.CandidateInput{Source: models.SourceLLM},
			wantErr: "Label is required",
		},
		{
			name:    "unknown source",
			value:   models.CandidateInput{Label: "agua", Source: "oracle"},
			wantErr: "Source must be one of",
		},
		{
			name:    "confidence out of range",
			value:   models.CandidateInput{Label: "agua", Source: models.SourceLLM, Confidence: &confidence},
			wantErr: "Confidence failed rule 'lte 1'",
		},
		{
			name:    "empty merge",
			value:   models.MergeRequest{TargetLabel: "agua"},
			wantErr: "SourceIDs is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

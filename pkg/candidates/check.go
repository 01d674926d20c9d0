package candidates

import (
	"context"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// catalogStates are the candidate states a new label is compared against
var catalogStates = []models.State{models.StatePending, models.StateHypothesis, models.StateValidated}

// Catalog returns the live candidate rows and canonical codes of a project
func (s *Service) Catalog(ctx context.Context, projectID string) ([]models.CatalogEntry, error) {
	candidates, err := s.store.Candidates.ListCatalog(ctx, projectID, catalogStates...)
	if err != nil {
		return nil, err
	}
	codes, err := s.store.Canonical.ListCatalog(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return append(candidates, codes...), nil
}

// CheckBatch compares proposed labels with the catalog before anything is stored
func (s *Service) CheckBatch(ctx context.Context, projectID string, req models.CheckBatchRequest) (*models.CheckBatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.CheckBatch")
	defer span.End()

	if len(req.Labels) == 0 {
		return nil, apperrors.Validation("labels are required")
	}
	threshold := s.config.PreHocThreshold
	if req.Threshold != nil {
		if *req.Threshold <= 0 || *req.Threshold > 1 {
			return nil, apperrors.Validation("threshold must be in (0, 1], got %v", *req.Threshold)
		}
		threshold = *req.Threshold
	}

	catalog, err := s.Catalog(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.scanner.CheckBatch(ctx, req.Labels, catalog, threshold)
}

package candidates

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/kafka"
)

// HandleIntake submits a producer batch read from Kafka. Permanent failures
// (bad payloads, a blocked backlog) are logged and acknowledged so they are
// not redelivered forever; anything else is returned for redelivery.
func (s *Service) HandleIntake(ctx context.Context, msg *kafka.IncomingMessage) error {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	intake, err := msg.ParseIntake()
	if err != nil {
		log.WithError(err).Error("Dropping malformed intake message")
		return nil
	}

	ctx = appctx.SetProjectID(ctx, intake.ProjectID)
	if intake.Actor != "" {
		ctx = appctx.SetUserID(ctx, intake.Actor)
	}

	result, err := s.SubmitBatch(ctx, intake.ProjectID, intake.Candidates, intake.ProducerRunID)
	switch {
	case err == nil:
		log.WithFields(map[string]any{
			"project_id":      intake.ProjectID,
			"producer_run_id": intake.ProducerRunID,
			"created":         result.Created,
			"consolidated":    result.Consolidated,
			"failed":          result.Failed,
		}).Info("Intake batch processed")
		return nil
	case apperrors.IsValidation(err), apperrors.IsBacklogBlocked(err):
		log.WithError(err).WithFields(map[string]any{
			"project_id":      intake.ProjectID,
			"producer_run_id": intake.ProducerRunID,
		}).Warn("Intake batch refused")
		return nil
	default:
		return err
	}
}

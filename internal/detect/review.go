package detect

import (
	"context"
	"fmt"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/errors"
)

// ConfirmDetection marks a pending detection as confirmed. Confirming a
// detection in any other state is a state conflict, including one that is
// already confirmed.
func (s *Service) ConfirmDetection(ctx context.Context, id uint) (datastore.Detection, error) {
	return s.reviewDetection(ctx, id, datastore.DetectionStatusConfirmed)
}

// RejectDetection marks a pending detection as rejected. Rejecting a
// detection in any other state is a state conflict, including one that is
// already rejected.
func (s *Service) RejectDetection(ctx context.Context, id uint) (datastore.Detection, error) {
	return s.reviewDetection(ctx, id, datastore.DetectionStatusRejected)
}

func (s *Service) reviewDetection(ctx context.Context, id uint, toStatus string) (datastore.Detection, error) {
	applied, err := s.store.TransitionDetection(ctx, id, datastore.DetectionStatusPending, toStatus)
	if err != nil {
		return datastore.Detection{}, err
	}

	detection, err := s.store.GetDetection(ctx, id)
	if err != nil {
		return datastore.Detection{}, err
	}

	if !applied {
		return datastore.Detection{}, errors.StateError(
			fmt.Sprintf("detection %d is %s, cannot mark it %s", id, detection.Status, toStatus))
	}

	s.metrics.RecordReview(toStatus, 1)
	s.logger.Info("detection reviewed",
		"detection_id", id, "status", toStatus, "source", detection.Source)
	return detection, nil
}

// BulkConfirm confirms every pending detection of the session whose
// confidence is at or above threshold and returns how many rows changed.
// The guarded update makes repeated calls idempotent.
func (s *Service) BulkConfirm(ctx context.Context, sessionID uint, threshold float64) (int64, error) {
	if threshold < 0 || threshold > 1 {
		return 0, errors.ValidationError("confirmation threshold must be in [0, 1]")
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}

	confirmed, err := s.store.BulkConfirmAboveThreshold(ctx, sessionID, threshold)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordReview("bulk_confirm", int(confirmed))
	s.logger.Info("bulk confirmation applied",
		"session_id", sessionID, "threshold", threshold, "confirmed", confirmed)
	return confirmed, nil
}

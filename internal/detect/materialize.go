package detect

import (
	"context"
)

// MaterializeConfirmed turns every confirmed, not-yet-linked detection of the
// session into a count record under the session's condition, then recomputes
// the condition aggregates in one full pass. Detections already linked to a
// record are skipped, so repeated calls create nothing new.
func (s *Service) MaterializeConfirmed(ctx context.Context, sessionID uint) (int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	detections, err := s.store.ConfirmedUnlinkedDetections(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(detections) == 0 {
		return 0, nil
	}

	created, err := s.store.MaterializeDetections(ctx, session.ConditionID, detections)
	if err != nil {
		return 0, err
	}
	if created > 0 {
		if err := s.store.RecomputeConditionTotals(ctx, session.ConditionID); err != nil {
			return created, err
		}
	}

	s.metrics.RecordMaterialized(created)
	s.logger.Info("confirmed detections materialized",
		"session_id", sessionID, "condition_id", session.ConditionID, "created", created)
	return created, nil
}

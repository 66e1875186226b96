package datastore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/takeoffworks/autocount/internal/errors"
)

// CreateSession persists a new detection session in pending state.
func (ds *DataStore) CreateSession(ctx context.Context, session *DetectionSession) error {
	if session.Status == "" {
		session.Status = SessionStatusPending
	}
	if err := ds.DB.WithContext(ctx).Create(session).Error; err != nil {
		return dbError(err, "create_session")
	}
	return nil
}

// GetSession retrieves a session with its detections.
func (ds *DataStore) GetSession(ctx context.Context, id uint) (DetectionSession, error) {
	var session DetectionSession
	err := ds.DB.WithContext(ctx).Preload("Detections").First(&session, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DetectionSession{}, errors.NotFoundError("session", id)
		}
		return DetectionSession{}, dbError(err, "get_session")
	}
	return session, nil
}

// MarkSessionProcessing transitions a session to processing. A session already
// in processing is accepted so a retried run can resume after a crash; any
// terminal state is a state conflict.
func (ds *DataStore) MarkSessionProcessing(ctx context.Context, id uint) error {
	result := ds.DB.WithContext(ctx).Model(&DetectionSession{}).
		Where("id = ? AND status IN ?", id, []string{SessionStatusPending, SessionStatusProcessing}).
		Updates(map[string]any{
			"status":         SessionStatusProcessing,
			"progress_stage": "started",
			"progress":       0.1,
			"error_message":  "",
		})
	if result.Error != nil {
		return dbError(result.Error, "mark_session_processing")
	}
	if result.RowsAffected == 0 {
		return ds.sessionConflict(ctx, id, "start detection")
	}
	return nil
}

// SaveSessionResults persists the merged detections and completes the session
// in a single transaction, so callers never observe a partial candidate list.
func (ds *DataStore) SaveSessionResults(ctx context.Context, id uint, detections []Detection, templateCount, visionCount int, processingMs int64) error {
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range detections {
			detections[i].SessionID = id
			if detections[i].Status == "" {
				detections[i].Status = DetectionStatusPending
			}
		}
		if len(detections) > 0 {
			if err := tx.Create(&detections).Error; err != nil {
				return fmt.Errorf("saving detections: %w", err)
			}
		}

		result := tx.Model(&DetectionSession{}).
			Where("id = ? AND status = ?", id, SessionStatusProcessing).
			Updates(map[string]any{
				"status":         SessionStatusCompleted,
				"progress_stage": "done",
				"progress":       1.0,
				"template_count": templateCount,
				"vision_count":   visionCount,
				"merged_count":   len(detections),
				"processing_ms":  processingMs,
			})
		if result.Error != nil {
			return fmt.Errorf("completing session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("session %d is not processing", id)
		}
		return nil
	})
	if err != nil {
		return dbError(err, "save_session_results")
	}
	return nil
}

// MarkSessionFailed transitions a non-terminal session to failed with the
// given error message. Failing an already terminal session is a no-op.
func (ds *DataStore) MarkSessionFailed(ctx context.Context, id uint, errorMessage string) error {
	result := ds.DB.WithContext(ctx).Model(&DetectionSession{}).
		Where("id = ? AND status NOT IN ?", id, []string{SessionStatusCompleted, SessionStatusFailed}).
		Updates(map[string]any{
			"status":        SessionStatusFailed,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return dbError(result.Error, "mark_session_failed")
	}
	return nil
}

// UpdateSessionProgress records a coarse progress milestone while processing.
func (ds *DataStore) UpdateSessionProgress(ctx context.Context, id uint, stage string, fraction float64) error {
	result := ds.DB.WithContext(ctx).Model(&DetectionSession{}).
		Where("id = ? AND status = ?", id, SessionStatusProcessing).
		Updates(map[string]any{
			"progress_stage": stage,
			"progress":       fraction,
		})
	if result.Error != nil {
		return dbError(result.Error, "update_session_progress")
	}
	return nil
}

// RequestSessionCancel sets the cancel flag on a processing session. It
// returns false when the session exists but is not processing.
func (ds *DataStore) RequestSessionCancel(ctx context.Context, id uint) (bool, error) {
	result := ds.DB.WithContext(ctx).Model(&DetectionSession{}).
		Where("id = ? AND status = ?", id, SessionStatusProcessing).
		Update("cancel_requested", true)
	if result.Error != nil {
		return false, dbError(result.Error, "request_session_cancel")
	}
	if result.RowsAffected == 0 {
		// Distinguish missing from not-processing for the caller.
		var count int64
		if err := ds.DB.WithContext(ctx).Model(&DetectionSession{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, dbError(err, "request_session_cancel")
		}
		if count == 0 {
			return false, errors.NotFoundError("session", id)
		}
		return false, nil
	}
	return true, nil
}

// SessionCancelRequested reads the persisted cancel flag.
func (ds *DataStore) SessionCancelRequested(ctx context.Context, id uint) (bool, error) {
	var session DetectionSession
	err := ds.DB.WithContext(ctx).Select("cancel_requested").First(&session, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, errors.NotFoundError("session", id)
		}
		return false, dbError(err, "session_cancel_requested")
	}
	return session.CancelRequested, nil
}

// sessionConflict builds the right error for a guarded session update that
// matched no rows: not-found when the session is missing, otherwise a state
// conflict naming the current status.
func (ds *DataStore) sessionConflict(ctx context.Context, id uint, action string) error {
	var session DetectionSession
	if err := ds.DB.WithContext(ctx).Select("status").First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFoundError("session", id)
		}
		return dbError(err, "session_conflict_lookup")
	}
	return errors.Newf("cannot %s: session %d is %s", action, id, session.Status).
		Component("datastore").
		Category(errors.CategoryState).
		Build()
}

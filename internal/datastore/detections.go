package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/takeoffworks/autocount/internal/errors"
)

// GetDetection retrieves a single detection by id.
func (ds *DataStore) GetDetection(ctx context.Context, id uint) (Detection, error) {
	var detection Detection
	if err := ds.DB.WithContext(ctx).First(&detection, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Detection{}, errors.NotFoundError("detection", id)
		}
		return Detection{}, dbError(err, "get_detection")
	}
	return detection, nil
}

// TransitionDetection atomically moves a detection from one status to another.
// It returns false when the detection was not in fromStatus, which the caller
// turns into a state-conflict error; the row is left untouched in that case.
func (ds *DataStore) TransitionDetection(ctx context.Context, id uint, fromStatus, toStatus string) (bool, error) {
	result := ds.DB.WithContext(ctx).Model(&Detection{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return false, dbError(result.Error, "transition_detection")
	}
	return result.RowsAffected > 0, nil
}

// BulkConfirmAboveThreshold confirms every pending detection of the session
// with confidence at or above the threshold. Already confirmed or rejected
// detections are untouched, which makes repeated calls idempotent.
func (ds *DataStore) BulkConfirmAboveThreshold(ctx context.Context, sessionID uint, threshold float64) (int64, error) {
	result := ds.DB.WithContext(ctx).Model(&Detection{}).
		Where("session_id = ? AND status = ? AND confidence >= ?", sessionID, DetectionStatusPending, threshold).
		Update("status", DetectionStatusConfirmed)
	if result.Error != nil {
		return 0, dbError(result.Error, "bulk_confirm")
	}
	return result.RowsAffected, nil
}

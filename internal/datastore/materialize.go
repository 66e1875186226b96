package datastore

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfirmedUnlinkedDetections returns the session's confirmed detections that
// have not been materialized into a count record yet.
func (ds *DataStore) ConfirmedUnlinkedDetections(ctx context.Context, sessionID uint) ([]Detection, error) {
	var detections []Detection
	err := ds.DB.WithContext(ctx).
		Where("session_id = ? AND status = ? AND count_record_id IS NULL", sessionID, DetectionStatusConfirmed).
		Find(&detections).Error
	if err != nil {
		return nil, dbError(err, "confirmed_unlinked_detections")
	}
	return detections, nil
}

// MaterializeDetections creates one count record per detection and links it
// back, all in one transaction. A detection that gained a link concurrently is
// skipped, never double-counted. Returns the number of records created.
func (ds *DataStore) MaterializeDetections(ctx context.Context, conditionID uint, detections []Detection) (int, error) {
	created := 0
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range detections {
			d := &detections[i]

			record := CountRecord{
				ConditionID: conditionID,
				Quantity:    1,
				CenterX:     d.CenterX,
				CenterY:     d.CenterY,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("creating count record: %w", err)
			}

			result := tx.Model(&Detection{}).
				Where("id = ? AND count_record_id IS NULL", d.ID).
				Update("count_record_id", record.ID)
			if result.Error != nil {
				return fmt.Errorf("linking detection %d: %w", d.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				// Lost a race with another materialize call; undo the orphan record.
				if err := tx.Delete(&record).Error; err != nil {
					return fmt.Errorf("removing orphan count record: %w", err)
				}
				continue
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, dbError(err, "materialize_detections")
	}
	return created, nil
}

// RecomputeConditionTotals replaces the condition's aggregate fields with one
// full aggregation pass over its non-rejected count records. The condition row
// is locked for the duration on backends that support row locks, so concurrent
// recomputations serialize instead of racing.
func (ds *DataStore) RecomputeConditionTotals(ctx context.Context, conditionID uint) error {
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var condition Condition
		query := tx
		if tx.Dialector.Name() == "mysql" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := query.First(&condition, conditionID).Error; err != nil {
			return fmt.Errorf("locking condition: %w", err)
		}

		var totals struct {
			TotalQuantity float64
			RecordCount   int
		}
		err := tx.Model(&CountRecord{}).
			Select("COALESCE(SUM(quantity), 0) AS total_quantity, COUNT(*) AS record_count").
			Where("condition_id = ? AND rejected = ?", conditionID, false).
			Scan(&totals).Error
		if err != nil {
			return fmt.Errorf("aggregating count records: %w", err)
		}

		result := tx.Model(&Condition{}).Where("id = ?", conditionID).Updates(map[string]any{
			"total_quantity": totals.TotalQuantity,
			"record_count":   totals.RecordCount,
		})
		if result.Error != nil {
			return fmt.Errorf("updating condition totals: %w", result.Error)
		}
		return nil
	})
	if err != nil {
		return dbError(err, "recompute_condition_totals")
	}
	return nil
}

package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/takeoffworks/autocount/internal/errors"
)

// GetPage retrieves a page by id.
func (ds *DataStore) GetPage(ctx context.Context, id uint) (Page, error) {
	var page Page
	if err := ds.DB.WithContext(ctx).First(&page, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Page{}, errors.NotFoundError("page", id)
		}
		return Page{}, dbError(err, "get_page")
	}
	return page, nil
}

// GetCondition retrieves a condition by id.
func (ds *DataStore) GetCondition(ctx context.Context, id uint) (Condition, error) {
	var condition Condition
	if err := ds.DB.WithContext(ctx).First(&condition, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Condition{}, errors.NotFoundError("condition", id)
		}
		return Condition{}, dbError(err, "get_condition")
	}
	return condition, nil
}

// dbError wraps an unexpected database error with category metadata.
func dbError(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}

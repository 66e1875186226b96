// interfaces.go defines the interface for the database operations
package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/takeoffworks/autocount/internal/conf"
)

// Interface abstracts the underlying database implementation and defines the
// operations the detection engine needs.
type Interface interface {
	Open() error
	Close() error

	// Collaborator lookups
	GetPage(ctx context.Context, id uint) (Page, error)
	GetCondition(ctx context.Context, id uint) (Condition, error)

	// Session lifecycle
	CreateSession(ctx context.Context, session *DetectionSession) error
	GetSession(ctx context.Context, id uint) (DetectionSession, error)
	MarkSessionProcessing(ctx context.Context, id uint) error
	SaveSessionResults(ctx context.Context, id uint, detections []Detection, templateCount, visionCount int, processingMs int64) error
	MarkSessionFailed(ctx context.Context, id uint, errorMessage string) error
	UpdateSessionProgress(ctx context.Context, id uint, stage string, fraction float64) error
	RequestSessionCancel(ctx context.Context, id uint) (bool, error)
	SessionCancelRequested(ctx context.Context, id uint) (bool, error)

	// Detection review
	GetDetection(ctx context.Context, id uint) (Detection, error)
	TransitionDetection(ctx context.Context, id uint, fromStatus, toStatus string) (bool, error)
	BulkConfirmAboveThreshold(ctx context.Context, sessionID uint, threshold float64) (int64, error)

	// Materialization
	ConfirmedUnlinkedDetections(ctx context.Context, sessionID uint) ([]Detection, error)
	MaterializeDetections(ctx context.Context, conditionID uint, detections []Detection) (int, error)
	RecomputeConditionTotals(ctx context.Context, conditionID uint) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided settings.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

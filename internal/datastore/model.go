// model.go defines the persisted data model for the detection engine
package datastore

import (
	"time"

	"github.com/takeoffworks/autocount/internal/geometry"
)

// DetectionSession status values. Transitions are strictly
// pending -> processing -> completed|failed; terminal states never change.
const (
	SessionStatusPending    = "pending"
	SessionStatusProcessing = "processing"
	SessionStatusCompleted  = "completed"
	SessionStatusFailed     = "failed"
)

// Detection status values. Transitions are pending -> confirmed or
// pending -> rejected; terminal states never revert.
const (
	DetectionStatusPending   = "pending"
	DetectionStatusConfirmed = "confirmed"
	DetectionStatusRejected  = "rejected"
)

// Detection source provenance values.
const (
	SourceTemplate = "template"
	SourceVision   = "vision"
	SourceBoth     = "both"
)

// Detection mode values for a session.
const (
	ModeTemplate = "template"
	ModeVision   = "vision"
	ModeHybrid   = "hybrid"
)

// Page represents one drawing sheet raster. Pages are registered by the
// surrounding application; the engine only reads them.
type Page struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"index:idx_pages_name"`
	PixelWidth  int
	PixelHeight int
	ImagePath   string // raster file path relative to the pages directory
	CreatedAt   time.Time
}

// Condition is the owning take-off condition a count rolls up into. The
// aggregate fields are only ever written by RecomputeConditionTotals.
type Condition struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"index:idx_conditions_name"`
	Unit          string `gorm:"type:varchar(20)"`
	TotalQuantity float64
	RecordCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CountRecord is one counted point under a condition. Materialized detections
// produce records with quantity 1 at the detection center.
type CountRecord struct {
	ID          uint `gorm:"primaryKey"`
	ConditionID uint `gorm:"index;not null"`
	Quantity    float64
	CenterX     float64
	CenterY     float64
	Rejected    bool // rejected records are excluded from aggregates
	CreatedAt   time.Time
}

// DetectionSession represents one auto-count detection run.
type DetectionSession struct {
	ID          uint `gorm:"primaryKey"`
	PageID      uint `gorm:"index;not null"`
	ConditionID uint `gorm:"index;not null"`

	// Template bounding box in page-pixel space.
	TemplateX float64
	TemplateY float64
	TemplateW float64
	TemplateH float64

	ConfidenceThreshold float64
	ScaleTolerance      float64 // symmetric fraction, e.g. 0.20
	RotationTolerance   float64 // symmetric degrees, e.g. 15
	Mode                string  `gorm:"type:varchar(10)"`

	Status          string `gorm:"type:varchar(12);index:idx_sessions_status"`
	CancelRequested bool
	ProgressStage   string `gorm:"type:varchar(32)"`
	Progress        float64

	TemplateCount int
	VisionCount   int
	MergedCount   int
	ProcessingMs  int64
	ErrorMessage  string `gorm:"type:text"`

	Detections []Detection `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TemplateBox returns the session's template region as a geometry box.
func (s *DetectionSession) TemplateBox() geometry.Box {
	return geometry.Box{X: s.TemplateX, Y: s.TemplateY, W: s.TemplateW, H: s.TemplateH}
}

// Terminal reports whether the session has reached a final state.
func (s *DetectionSession) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}

// Detection is one candidate occurrence found by a run, owned by its session.
type Detection struct {
	ID        uint `gorm:"primaryKey"`
	SessionID uint `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:SessionID;references:ID"`

	X float64
	Y float64
	W float64
	H float64

	CenterX float64
	CenterY float64

	Confidence float64
	Source     string `gorm:"type:varchar(10)"`
	Status     string `gorm:"type:varchar(10);index:idx_detections_status"`

	// Set once, at materialization.
	CountRecordID *uint

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Box returns the detection's bounding box as a geometry box.
func (d *Detection) Box() geometry.Box {
	return geometry.Box{X: d.X, Y: d.Y, W: d.W, H: d.H}
}

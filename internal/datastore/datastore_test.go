package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeoffworks/autocount/internal/conf"
	"github.com/takeoffworks/autocount/internal/errors"
)

// newTestStore opens an in-memory SQLite store with migrated schema.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"

	store := &SQLiteStore{Settings: settings}
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRefs(t *testing.T, store *SQLiteStore) (pageID, conditionID uint) {
	t.Helper()

	page := Page{Name: "A-101", PixelWidth: 3000, PixelHeight: 2000, ImagePath: "a-101.png"}
	require.NoError(t, store.DB.Create(&page).Error)
	condition := Condition{Name: "Rebar mark R4", Unit: "EA"}
	require.NoError(t, store.DB.Create(&condition).Error)
	return page.ID, condition.ID
}

func seedSession(t *testing.T, store *SQLiteStore, status string) *DetectionSession {
	t.Helper()

	pageID, conditionID := seedRefs(t, store)
	session := &DetectionSession{
		PageID:      pageID,
		ConditionID: conditionID,
		TemplateX:   100, TemplateY: 100, TemplateW: 50, TemplateH: 50,
		ConfidenceThreshold: 0.8,
		Mode:                ModeHybrid,
		Status:              status,
	}
	require.NoError(t, store.DB.Create(session).Error)
	return session
}

func TestGetPageNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPage(context.Background(), 999)
	assert.True(t, errors.IsNotFound(err))
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, store, SessionStatusPending)

	require.NoError(t, store.MarkSessionProcessing(ctx, session.ID))

	// Processing again is allowed so a retried run can resume.
	require.NoError(t, store.MarkSessionProcessing(ctx, session.ID))

	detections := []Detection{
		{X: 200, Y: 200, W: 50, H: 50, CenterX: 225, CenterY: 225, Confidence: 0.92, Source: SourceBoth},
		{X: 400, Y: 150, W: 48, H: 52, CenterX: 424, CenterY: 176, Confidence: 0.85, Source: SourceTemplate},
	}
	require.NoError(t, store.SaveSessionResults(ctx, session.ID, detections, 2, 1, 1234))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.TemplateCount)
	assert.Equal(t, 1, got.VisionCount)
	assert.Equal(t, 2, got.MergedCount)
	assert.Equal(t, int64(1234), got.ProcessingMs)
	require.Len(t, got.Detections, 2)
	assert.Equal(t, DetectionStatusPending, got.Detections[0].Status)

	// Terminal state is immutable.
	err = store.MarkSessionProcessing(ctx, session.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestMarkSessionProcessingNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.MarkSessionProcessing(context.Background(), 12345)
	assert.True(t, errors.IsNotFound(err))
}

func TestMarkSessionFailedIgnoresTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, store, SessionStatusCompleted)

	require.NoError(t, store.MarkSessionFailed(ctx, session.ID, "late failure"))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestRequestSessionCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := seedSession(t, store, SessionStatusProcessing)
	applied, err := store.RequestSessionCancel(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	cancelled, err := store.SessionCancelRequested(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Not processing: flag is refused without error.
	done := seedSession(t, store, SessionStatusCompleted)
	applied, err = store.RequestSessionCancel(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = store.RequestSessionCancel(ctx, 99999)
	assert.True(t, errors.IsNotFound(err))
}

func TestTransitionDetection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, store, SessionStatusCompleted)

	detection := Detection{SessionID: session.ID, Confidence: 0.9, Source: SourceTemplate, Status: DetectionStatusPending}
	require.NoError(t, store.DB.Create(&detection).Error)

	applied, err := store.TransitionDetection(ctx, detection.ID, DetectionStatusPending, DetectionStatusConfirmed)
	require.NoError(t, err)
	assert.True(t, applied)

	// A terminal detection does not transition and is left unchanged.
	applied, err = store.TransitionDetection(ctx, detection.ID, DetectionStatusPending, DetectionStatusRejected)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetDetection(ctx, detection.ID)
	require.NoError(t, err)
	assert.Equal(t, DetectionStatusConfirmed, got.Status)
}

func TestBulkConfirmAboveThresholdIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, store, SessionStatusCompleted)

	confidences := []float64{0.95, 0.85, 0.75, 0.60}
	for _, c := range confidences {
		require.NoError(t, store.DB.Create(&Detection{
			SessionID: session.ID, Confidence: c, Source: SourceTemplate, Status: DetectionStatusPending,
		}).Error)
	}

	confirmed, err := store.BulkConfirmAboveThreshold(ctx, session.ID, 0.80)
	require.NoError(t, err)
	assert.Equal(t, int64(2), confirmed)

	// Second run only touches still-pending rows.
	confirmed, err = store.BulkConfirmAboveThreshold(ctx, session.ID, 0.80)
	require.NoError(t, err)
	assert.Equal(t, int64(0), confirmed)

	confirmed, err = store.BulkConfirmAboveThreshold(ctx, session.ID, 0.70)
	require.NoError(t, err)
	assert.Equal(t, int64(1), confirmed)
}

func TestMaterializeDetections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, store, SessionStatusCompleted)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.DB.Create(&Detection{
			SessionID: session.ID,
			CenterX:   float64(100 + i), CenterY: float64(200 + i),
			Confidence: 0.9, Source: SourceTemplate, Status: DetectionStatusConfirmed,
		}).Error)
	}

	detections, err := store.ConfirmedUnlinkedDetections(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, detections, 3)

	created, err := store.MaterializeDetections(ctx, session.ConditionID, detections)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	// All linked now, nothing left to materialize.
	remaining, err := store.ConfirmedUnlinkedDetections(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var records []CountRecord
	require.NoError(t, store.DB.Where("condition_id = ?", session.ConditionID).Find(&records).Error)
	require.Len(t, records, 3)
	assert.Equal(t, 1.0, records[0].Quantity)
}

func TestRecomputeConditionTotals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, conditionID := seedRefs(t, store)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.DB.Create(&CountRecord{
			ConditionID: conditionID, Quantity: 1, Rejected: i == 3,
		}).Error)
	}

	require.NoError(t, store.RecomputeConditionTotals(ctx, conditionID))

	condition, err := store.GetCondition(ctx, conditionID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, condition.TotalQuantity)
	assert.Equal(t, 3, condition.RecordCount)

	// Recompute is a full pass, not an increment: re-running changes nothing.
	require.NoError(t, store.RecomputeConditionTotals(ctx, conditionID))
	condition, err = store.GetCondition(ctx, conditionID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, condition.TotalQuantity)
}

package detect

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeoffworks/autocount/internal/conf"
	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/geometry"
	"github.com/takeoffworks/autocount/internal/jobqueue"
)

type fakeMatcher struct {
	matches  []MatchResult
	err      error
	calls    int
	lastOpts MatchOptions
	onFind   func(ctx context.Context) error
}

func (f *fakeMatcher) Find(ctx context.Context, _ image.Image, _ geometry.Box, opts MatchOptions) ([]MatchResult, error) {
	f.calls++
	f.lastOpts = opts
	if f.onFind != nil {
		if err := f.onFind(ctx); err != nil {
			return nil, err
		}
	}
	return f.matches, f.err
}

type fakeVision struct {
	matches []MatchResult
	err     error
	calls   int
}

func (f *fakeVision) Find(_ context.Context, _ image.Image, _ geometry.Box) ([]MatchResult, error) {
	f.calls++
	return f.matches, f.err
}

type fakePages struct {
	err error
}

func (f *fakePages) Fetch(_ context.Context, _ string) (image.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	img := image.NewNRGBA(image.Rect(0, 0, 400, 300))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img, nil
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = ":memory:"
	s.Detection = conf.DetectionSettings{
		ConfidenceThreshold:  0.80,
		ScaleTolerance:       0.20,
		ScaleStep:            0.05,
		RotationTolerance:    15,
		RotationStep:         5,
		CorrelationFloor:     0.50,
		NMSIoU:               0.30,
		MergeIoU:             0.30,
		TemplateExclusionIoU: 0.50,
	}
	s.JobQueue.MaxRetries = 0
	s.JobQueue.InitialDelay = "10ms"
	s.JobQueue.MaxDelay = "50ms"
	s.JobQueue.Multiplier = 2
	s.JobQueue.ExecutionTimeout = "1m"
	s.Pages.Directory = "pages"
	s.Pages.CacheTTL = "10m"
	return s
}

type testEnv struct {
	svc     *Service
	store   datastore.Interface
	matcher *fakeMatcher
	vision  *fakeVision
	pageID  uint
	condID  uint
}

func newTestEnv(t *testing.T, tm *fakeMatcher, vd VisionDetector) *testEnv {
	t.Helper()

	settings := testSettings()
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	db := store.(*datastore.SQLiteStore).DB
	page := datastore.Page{Name: "A-101", PixelWidth: 400, PixelHeight: 300, ImagePath: "a-101.png"}
	require.NoError(t, db.Create(&page).Error)
	cond := datastore.Condition{Name: "Duplex outlets", Unit: "EA"}
	require.NoError(t, db.Create(&cond).Error)

	queue := jobqueue.NewJobQueue()
	queue.SetProcessingInterval(10 * time.Millisecond)
	queue.Start()
	t.Cleanup(func() { _ = queue.Stop() })

	env := &testEnv{
		store:   store,
		matcher: tm,
		pageID:  page.ID,
		condID:  cond.ID,
	}
	if fv, ok := vd.(*fakeVision); ok {
		env.vision = fv
	}
	env.svc = NewService(store, &fakePages{}, tm, vd, queue, settings, nil)
	return env
}

func validRequest(env *testEnv) *SessionRequest {
	return &SessionRequest{
		PageID:      env.pageID,
		ConditionID: env.condID,
		Template:    geometry.Box{X: 100, Y: 100, W: 50, H: 50},
	}
}

func templateMatch(x, y, confidence float64) MatchResult {
	box := geometry.Box{X: x, Y: y, W: 50, H: 50}
	return MatchResult{Box: box, Center: box.Center(), Confidence: confidence, Source: datastore.SourceTemplate}
}

func visionMatch(x, y, confidence float64) MatchResult {
	box := geometry.Box{X: x, Y: y, W: 50, H: 50}
	return MatchResult{Box: box, Center: box.Center(), Confidence: confidence, Source: datastore.SourceVision}
}

func waitTerminal(t *testing.T, env *testEnv, id uint) datastore.DetectionSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := env.svc.GetSession(context.Background(), id)
		require.NoError(t, err)
		if session.Terminal() {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %d did not reach a terminal state", id)
	return datastore.DetectionSession{}
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, &fakeMatcher{}, &fakeVision{})
	ctx := context.Background()

	missingPage := validRequest(env)
	missingPage.PageID = 9999
	_, err := env.svc.CreateSession(ctx, missingPage)
	assert.True(t, errors.IsNotFound(err))

	badMode := validRequest(env)
	badMode.Mode = "psychic"
	_, err = env.svc.CreateSession(ctx, badMode)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	offPage := validRequest(env)
	offPage.Template = geometry.Box{X: 380, Y: 100, W: 50, H: 50}
	_, err = env.svc.CreateSession(ctx, offPage)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	badThreshold := validRequest(env)
	tooHigh := 1.5
	badThreshold.ConfidenceThreshold = &tooHigh
	_, err = env.svc.CreateSession(ctx, badThreshold)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestCreateSessionRejectsVisionModeWhenDisabled(t *testing.T) {
	env := newTestEnv(t, &fakeMatcher{}, nil)

	req := validRequest(env)
	req.Mode = datastore.ModeVision
	_, err := env.svc.CreateSession(context.Background(), req)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestHybridRunMergesDetectors(t *testing.T) {
	tm := &fakeMatcher{matches: []MatchResult{
		templateMatch(250, 80, 0.90),
		templateMatch(60, 220, 0.85),
	}}
	vd := &fakeVision{matches: []MatchResult{
		visionMatch(252, 82, 0.95),
	}}
	env := newTestEnv(t, tm, vd)

	created, err := env.svc.CreateSession(context.Background(), validRequest(env))
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusPending, created.Status)

	session := waitTerminal(t, env, created.ID)
	assert.Equal(t, datastore.SessionStatusCompleted, session.Status)
	assert.Equal(t, 2, session.TemplateCount)
	assert.Equal(t, 1, session.VisionCount)
	assert.Equal(t, 2, session.MergedCount)
	assert.Equal(t, 1.0, session.Progress)
	require.Len(t, session.Detections, 2)

	sources := map[string]int{}
	for _, d := range session.Detections {
		sources[d.Source]++
		assert.Equal(t, datastore.DetectionStatusPending, d.Status)
	}
	assert.Equal(t, 1, sources[datastore.SourceBoth])
	assert.Equal(t, 1, sources[datastore.SourceTemplate])

	// The merged pair keeps the higher-confidence geometry.
	for _, d := range session.Detections {
		if d.Source == datastore.SourceBoth {
			assert.Equal(t, 252.0, d.X)
			assert.Equal(t, 0.95, d.Confidence)
		}
	}
}

func TestTemplateOnlyRunSkipsVision(t *testing.T) {
	tm := &fakeMatcher{matches: []MatchResult{templateMatch(250, 80, 0.90)}}
	vd := &fakeVision{matches: []MatchResult{visionMatch(10, 10, 0.99)}}
	env := newTestEnv(t, tm, vd)

	req := validRequest(env)
	req.Mode = datastore.ModeTemplate
	created, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	session := waitTerminal(t, env, created.ID)
	assert.Equal(t, datastore.SessionStatusCompleted, session.Status)
	assert.Equal(t, 0, session.VisionCount)
	assert.Equal(t, 1, session.MergedCount)
	assert.Equal(t, 0, vd.calls)
}

func TestSessionThresholdReachesMatcher(t *testing.T) {
	tm := &fakeMatcher{}
	env := newTestEnv(t, tm, &fakeVision{})

	req := validRequest(env)
	custom := 0.65
	req.ConfidenceThreshold = &custom
	created, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	waitTerminal(t, env, created.ID)
	assert.Equal(t, 0.65, tm.lastOpts.ConfidenceThreshold)
	assert.Equal(t, 0.50, tm.lastOpts.CorrelationFloor)

	// A threshold below the configured floor drags the floor down with it, so
	// candidates between the two are not discarded before scoring.
	low := 0.40
	req = validRequest(env)
	req.ConfidenceThreshold = &low
	created, err = env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	waitTerminal(t, env, created.ID)
	assert.Equal(t, 0.40, tm.lastOpts.ConfidenceThreshold)
	assert.Equal(t, 0.40, tm.lastOpts.CorrelationFloor)
}

func TestHybridRunSurvivesVisionFailure(t *testing.T) {
	tm := &fakeMatcher{matches: []MatchResult{templateMatch(250, 80, 0.90)}}
	vd := &fakeVision{err: errors.New(errors.NewStd("model unavailable")).
		Category(errors.CategoryVision).Build()}
	env := newTestEnv(t, tm, vd)

	created, err := env.svc.CreateSession(context.Background(), validRequest(env))
	require.NoError(t, err)

	session := waitTerminal(t, env, created.ID)
	assert.Equal(t, datastore.SessionStatusCompleted, session.Status)
	assert.Equal(t, 1, session.TemplateCount)
	assert.Equal(t, 0, session.VisionCount)
	assert.Equal(t, 1, session.MergedCount)
}

func TestVisionOnlyRunFailsOnVisionError(t *testing.T) {
	vd := &fakeVision{err: errors.New(errors.NewStd("model unavailable")).
		Category(errors.CategoryVision).Build()}
	env := newTestEnv(t, &fakeMatcher{}, vd)

	req := validRequest(env)
	req.Mode = datastore.ModeVision
	created, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	session := waitTerminal(t, env, created.ID)
	assert.Equal(t, datastore.SessionStatusFailed, session.Status)
	assert.Contains(t, session.ErrorMessage, "model unavailable")
}

func TestRunDetectionHonorsCancelFlag(t *testing.T) {
	env := newTestEnv(t, &fakeMatcher{}, &fakeVision{})
	ctx := context.Background()

	session := datastore.DetectionSession{
		PageID:      env.pageID,
		ConditionID: env.condID,
		TemplateX:   100, TemplateY: 100, TemplateW: 50, TemplateH: 50,
		ConfidenceThreshold: 0.8,
		Mode:                datastore.ModeHybrid,
		Status:              datastore.SessionStatusPending,
	}
	require.NoError(t, env.store.CreateSession(ctx, &session))
	require.NoError(t, env.store.MarkSessionProcessing(ctx, session.ID))
	accepted, err := env.store.RequestSessionCancel(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, accepted)

	err = env.svc.RunDetection(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))

	after, err := env.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusFailed, after.Status)
	assert.Equal(t, cancelledMessage, after.ErrorMessage)
	assert.Equal(t, 0, env.matcher.calls, "cancellation before the first stage skips the detectors")
}

func TestRunDetectionRejectsTerminalSession(t *testing.T) {
	env := newTestEnv(t, &fakeMatcher{}, &fakeVision{})
	ctx := context.Background()

	session := datastore.DetectionSession{
		PageID:      env.pageID,
		ConditionID: env.condID,
		TemplateX:   100, TemplateY: 100, TemplateW: 50, TemplateH: 50,
		Mode:   datastore.ModeHybrid,
		Status: datastore.SessionStatusFailed,
	}
	require.NoError(t, env.store.CreateSession(ctx, &session))

	err := env.svc.RunDetection(ctx, session.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.True(t, errors.IsNonRetryable(err))
	assert.Equal(t, 0, env.matcher.calls)
}

// seedProcessingSession persists a session already claimed by a run.
func seedProcessingSession(t *testing.T, env *testEnv) uint {
	t.Helper()
	ctx := context.Background()

	session := datastore.DetectionSession{
		PageID:      env.pageID,
		ConditionID: env.condID,
		TemplateX:   100, TemplateY: 100, TemplateW: 50, TemplateH: 50,
		ConfidenceThreshold: 0.8,
		Mode:                datastore.ModeHybrid,
		Status:              datastore.SessionStatusPending,
	}
	require.NoError(t, env.store.CreateSession(ctx, &session))
	require.NoError(t, env.store.MarkSessionProcessing(ctx, session.ID))
	return session.ID
}

func TestInterruptedRunStaysRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tm := &fakeMatcher{onFind: func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}}
	env := newTestEnv(t, tm, &fakeVision{})
	id := seedProcessingSession(t, env)

	err := env.svc.RunDetection(ctx, id)
	require.Error(t, err)
	assert.False(t, errors.IsCategory(err, errors.CategoryCancellation))
	assert.False(t, errors.IsNonRetryable(err), "a cut-short attempt must stay retryable")

	after, err := env.svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusProcessing, after.Status,
		"no user asked for this, so the session is not marked cancelled")
	assert.Empty(t, after.ErrorMessage)
}

func TestInterruptedRunHonorsPendingCancelRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tm := &fakeMatcher{}
	env := newTestEnv(t, tm, &fakeVision{})
	id := seedProcessingSession(t, env)

	// The cancel request lands while the matcher is working, so the run sees
	// it through the dead context rather than at a stage boundary.
	tm.onFind = func(ctx context.Context) error {
		accepted, err := env.store.RequestSessionCancel(context.Background(), id)
		require.NoError(t, err)
		require.True(t, accepted)
		cancel()
		return ctx.Err()
	}

	err := env.svc.RunDetection(ctx, id)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))

	after, err := env.svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusFailed, after.Status)
	assert.Equal(t, cancelledMessage, after.ErrorMessage)
}

func TestCancelSessionStates(t *testing.T) {
	env := newTestEnv(t, &fakeMatcher{}, &fakeVision{})
	ctx := context.Background()

	_, err := env.svc.CancelSession(ctx, 9999)
	assert.True(t, errors.IsNotFound(err))

	session := datastore.DetectionSession{
		PageID: env.pageID, ConditionID: env.condID,
		TemplateX: 100, TemplateY: 100, TemplateW: 50, TemplateH: 50,
		Mode: datastore.ModeHybrid, Status: datastore.SessionStatusPending,
	}
	require.NoError(t, env.store.CreateSession(ctx, &session))

	accepted, err := env.svc.CancelSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, accepted, "a session that is not processing cannot be cancelled")

	require.NoError(t, env.store.MarkSessionProcessing(ctx, session.ID))
	accepted, err = env.svc.CancelSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, accepted)
}

package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/takeoffworks/autocount/internal/conf"
	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/geometry"
	"github.com/takeoffworks/autocount/internal/jobqueue"
	"github.com/takeoffworks/autocount/internal/logging"
	"github.com/takeoffworks/autocount/internal/observability/metrics"
)

// Service owns the detection session lifecycle: it validates and creates
// sessions, hands runs to the job queue, and serves the review and
// materialization operations.
type Service struct {
	store    datastore.Interface
	pages    PageStore
	matcher  TemplateMatcher
	vision   VisionDetector // nil when the vision detector is disabled
	queue    *jobqueue.JobQueue
	settings *conf.Settings
	metrics  *metrics.DetectionMetrics
	logger   *slog.Logger
}

// NewService wires a detection service. vision may be nil; hybrid sessions
// then complete on template matches alone and vision-only sessions are
// rejected at creation.
func NewService(store datastore.Interface, pages PageStore, tm TemplateMatcher, vd VisionDetector, queue *jobqueue.JobQueue, settings *conf.Settings, dm *metrics.DetectionMetrics) *Service {
	return &Service{
		store:    store,
		pages:    pages,
		matcher:  tm,
		vision:   vd,
		queue:    queue,
		settings: settings,
		metrics:  dm,
		logger:   logging.ForService("detect"),
	}
}

// SessionRequest carries the caller's parameters for a new detection run.
// Nil tuning fields fall back to the configured defaults.
type SessionRequest struct {
	PageID      uint
	ConditionID uint
	Template    geometry.Box

	ConfidenceThreshold *float64
	ScaleTolerance      *float64
	RotationTolerance   *float64
	Mode                string // template, vision or hybrid; empty means hybrid
}

// CreateSession validates the request against the referenced page, persists a
// pending session and enqueues its run. The returned session is in status
// pending; callers poll GetSession for the outcome.
func (s *Service) CreateSession(ctx context.Context, req *SessionRequest) (datastore.DetectionSession, error) {
	var session datastore.DetectionSession

	page, err := s.store.GetPage(ctx, req.PageID)
	if err != nil {
		return session, err
	}
	if _, err := s.store.GetCondition(ctx, req.ConditionID); err != nil {
		return session, err
	}

	mode := req.Mode
	if mode == "" {
		mode = datastore.ModeHybrid
	}
	if mode != datastore.ModeTemplate && mode != datastore.ModeVision && mode != datastore.ModeHybrid {
		return session, errors.ValidationError(fmt.Sprintf("unknown detection mode %q", req.Mode))
	}
	if mode == datastore.ModeVision && s.vision == nil {
		return session, errors.ValidationError("vision detection is disabled")
	}

	pageBox := geometry.Box{W: float64(page.PixelWidth), H: float64(page.PixelHeight)}
	if req.Template.Empty() || !req.Template.Within(pageBox) {
		return session, errors.ValidationError("template box must lie within the page bounds")
	}

	threshold := s.settings.Detection.ConfidenceThreshold
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return session, errors.ValidationError("confidence threshold must be in (0, 1]")
	}

	scaleTol := s.settings.Detection.ScaleTolerance
	if req.ScaleTolerance != nil {
		scaleTol = *req.ScaleTolerance
	}
	rotationTol := s.settings.Detection.RotationTolerance
	if req.RotationTolerance != nil {
		rotationTol = *req.RotationTolerance
	}
	if scaleTol < 0 || rotationTol < 0 {
		return session, errors.ValidationError("search tolerances must not be negative")
	}

	session = datastore.DetectionSession{
		PageID:              page.ID,
		ConditionID:         req.ConditionID,
		TemplateX:           req.Template.X,
		TemplateY:           req.Template.Y,
		TemplateW:           req.Template.W,
		TemplateH:           req.Template.H,
		ConfidenceThreshold: threshold,
		ScaleTolerance:      scaleTol,
		RotationTolerance:   rotationTol,
		Mode:                mode,
		Status:              datastore.SessionStatusPending,
		ProgressStage:       "queued",
	}
	if err := s.store.CreateSession(ctx, &session); err != nil {
		return session, err
	}

	if _, err := s.queue.Enqueue(&RunAction{service: s}, session.ID, s.retryConfig()); err != nil {
		reason := fmt.Sprintf("failed to enqueue detection run: %v", err)
		if markErr := s.store.MarkSessionFailed(ctx, session.ID, reason); markErr != nil {
			s.logger.Error("failed to mark unqueued session failed",
				"session_id", session.ID, "error", markErr)
		}
		return session, errors.New(err).
			Component("detect").
			Category(errors.CategoryJobQueue).
			Context("session_id", fmt.Sprintf("%d", session.ID)).
			Build()
	}

	s.logger.Info("detection session created",
		"session_id", session.ID, "page_id", page.ID, "mode", mode)
	return session, nil
}

// GetSession returns the session with its detections preloaded.
func (s *Service) GetSession(ctx context.Context, id uint) (datastore.DetectionSession, error) {
	return s.store.GetSession(ctx, id)
}

// CancelSession requests cancellation of a running session. It reports true
// when the request was recorded; false means the session exists but is not
// processing anymore.
func (s *Service) CancelSession(ctx context.Context, id uint) (bool, error) {
	accepted, err := s.store.RequestSessionCancel(ctx, id)
	if err != nil {
		return false, err
	}
	if accepted {
		s.logger.Info("session cancellation requested", "session_id", id)
	}
	return accepted, nil
}

func (s *Service) retryConfig() jobqueue.RetryConfig {
	jq := s.settings.JobQueue
	return jobqueue.RetryConfig{
		Enabled:      jq.MaxRetries > 0,
		MaxRetries:   jq.MaxRetries,
		InitialDelay: conf.MustDuration(jq.InitialDelay),
		MaxDelay:     conf.MustDuration(jq.MaxDelay),
		Multiplier:   jq.Multiplier,
	}
}

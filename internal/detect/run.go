package detect

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/errors"
)

// cancelledMessage is persisted as the failure reason of a cancelled run.
const cancelledMessage = "cancelled by user"

// RunDetection executes one detection run end to end: fetch the page, run the
// enabled detectors, merge their candidates and persist the outcome in a
// single transaction. The cancel flag is checked at stage boundaries, not
// inside a detector pass.
func (s *Service) RunDetection(ctx context.Context, sessionID uint) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Terminal() {
		s.logger.Warn("refusing to run terminal session",
			"session_id", sessionID, "status", session.Status)
		return errors.StateError(
			fmt.Sprintf("session %d is %s, cannot run it again", sessionID, session.Status))
	}

	if err := s.store.MarkSessionProcessing(ctx, sessionID); err != nil {
		return err
	}
	started := time.Now()

	if err := s.checkCancelled(ctx, sessionID); err != nil {
		return err
	}
	s.progress(ctx, sessionID, "started", 0.1)

	page, err := s.store.GetPage(ctx, session.PageID)
	if err != nil {
		return s.failRun(sessionID, err)
	}
	raster, err := s.pages.Fetch(ctx, page.ImagePath)
	if err != nil {
		return s.failRun(sessionID, err)
	}

	if err := s.checkCancelled(ctx, sessionID); err != nil {
		return err
	}

	templateMatches, err := s.runTemplatePass(ctx, sessionID, &session, raster)
	if err != nil {
		return err
	}

	if err := s.checkCancelled(ctx, sessionID); err != nil {
		return err
	}

	visionMatches, err := s.runVisionPass(ctx, sessionID, &session, raster)
	if err != nil {
		return err
	}

	if err := s.checkCancelled(ctx, sessionID); err != nil {
		return err
	}

	merged := mergeMatches(templateMatches, visionMatches, s.settings.Detection.MergeIoU)
	merged = excludeTemplateRegion(merged, session.TemplateBox(), s.settings.Detection.TemplateExclusionIoU)

	detections := make([]datastore.Detection, len(merged))
	for i, m := range merged {
		detections[i] = datastore.Detection{
			X:          m.Box.X,
			Y:          m.Box.Y,
			W:          m.Box.W,
			H:          m.Box.H,
			CenterX:    m.Center.X,
			CenterY:    m.Center.Y,
			Confidence: m.Confidence,
			Source:     m.Source,
		}
	}

	elapsed := time.Since(started)
	if err := s.store.SaveSessionResults(ctx, sessionID, detections,
		len(templateMatches), len(visionMatches), elapsed.Milliseconds()); err != nil {
		return err
	}

	s.recordRunMetrics(session.Mode, detections, elapsed)
	s.logger.Info("detection run completed",
		"session_id", sessionID,
		"template_matches", len(templateMatches),
		"vision_matches", len(visionMatches),
		"merged", len(detections),
		"elapsed_ms", elapsed.Milliseconds())
	return nil
}

// runTemplatePass performs template matching unless the session is
// vision-only. A context error becomes a run cancellation.
func (s *Service) runTemplatePass(ctx context.Context, sessionID uint, session *datastore.DetectionSession, raster image.Image) ([]MatchResult, error) {
	if session.Mode == datastore.ModeVision {
		return nil, nil
	}
	s.progress(ctx, sessionID, "template_matching", 0.2)

	matches, err := s.matcher.Find(ctx, raster, session.TemplateBox(), s.matchOptions(session))
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.interrupted(ctx, sessionID)
		}
		return nil, s.failRun(sessionID, err)
	}

	s.progress(ctx, sessionID, "template_done", 0.5)
	return matches, nil
}

// runVisionPass asks the vision detector unless the session is template-only
// or the detector is not configured. A detector failure on a hybrid session
// degrades to zero vision matches so the run can complete on template matches
// alone; a vision-only session fails instead.
func (s *Service) runVisionPass(ctx context.Context, sessionID uint, session *datastore.DetectionSession, raster image.Image) ([]MatchResult, error) {
	if session.Mode == datastore.ModeTemplate || s.vision == nil {
		return nil, nil
	}
	s.progress(ctx, sessionID, "vision_detection", 0.6)

	matches, err := s.vision.Find(ctx, raster, session.TemplateBox())
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.interrupted(ctx, sessionID)
		}
		if session.Mode == datastore.ModeVision {
			return nil, s.failRun(sessionID, err)
		}
		s.logger.Warn("vision detector failed, completing on template matches",
			"session_id", sessionID, "error", err)
		matches = nil
	}

	s.progress(ctx, sessionID, "vision_done", 0.8)
	return matches, nil
}

func (s *Service) matchOptions(session *datastore.DetectionSession) MatchOptions {
	d := s.settings.Detection
	return MatchOptions{
		ConfidenceThreshold:  session.ConfidenceThreshold,
		ScaleTolerance:       session.ScaleTolerance,
		ScaleStep:            d.ScaleStep,
		RotationTolerance:    session.RotationTolerance,
		RotationStep:         d.RotationStep,
		// The intermediate floor must never sit above the acceptance
		// threshold, or candidates in between would be lost before scoring.
		CorrelationFloor:     min(d.CorrelationFloor, session.ConfidenceThreshold),
		NMSIoU:               d.NMSIoU,
		TemplateExclusionIoU: d.TemplateExclusionIoU,
	}
}

// checkCancelled consults the persisted cancel flag and, when set, marks the
// session failed and returns a non-retryable cancellation error.
func (s *Service) checkCancelled(ctx context.Context, sessionID uint) error {
	requested, err := s.store.SessionCancelRequested(ctx, sessionID)
	if err != nil {
		return err
	}
	if !requested {
		return nil
	}
	return s.markCancelled(ctx, sessionID)
}

// interrupted resolves a context error hit inside a detector pass. When the
// persisted cancel flag is set the run was cancelled by a user; otherwise the
// attempt was cut short by an execution timeout or shutdown, the session stays
// in processing and the returned error stays retryable. The store is consulted
// on a fresh context because the attempt's own context is already dead.
func (s *Service) interrupted(ctx context.Context, sessionID uint) error {
	probe, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if requested, err := s.store.SessionCancelRequested(probe, sessionID); err == nil && requested {
		return s.markCancelled(probe, sessionID)
	}

	s.logger.Warn("detection run attempt interrupted",
		"session_id", sessionID, "error", ctx.Err())
	return errors.New(ctx.Err()).
		Component("detect").
		Category(errors.CategoryJobQueue).
		Context("session_id", fmt.Sprintf("%d", sessionID)).
		Build()
}

func (s *Service) markCancelled(ctx context.Context, sessionID uint) error {
	if err := s.store.MarkSessionFailed(ctx, sessionID, cancelledMessage); err != nil {
		s.logger.Error("failed to persist cancellation",
			"session_id", sessionID, "error", err)
	}
	s.logger.Info("detection run cancelled", "session_id", sessionID)
	return errors.New(errors.NewStd(cancelledMessage)).
		Component("detect").
		Category(errors.CategoryCancellation).
		Context("session_id", fmt.Sprintf("%d", sessionID)).
		Build()
}

// failRun returns err unchanged so the job queue can retry it when its
// category allows; the session stays in processing and a later attempt
// resumes it. Terminal failure is persisted by the permanent failure hook.
func (s *Service) failRun(sessionID uint, err error) error {
	s.logger.Error("detection run attempt failed",
		"session_id", sessionID, "error", err)
	return err
}

func (s *Service) progress(ctx context.Context, sessionID uint, stage string, fraction float64) {
	if err := s.store.UpdateSessionProgress(ctx, sessionID, stage, fraction); err != nil {
		s.logger.Warn("failed to update session progress",
			"session_id", sessionID, "stage", stage, "error", err)
	}
}

func (s *Service) recordRunMetrics(mode string, detections []datastore.Detection, elapsed time.Duration) {
	s.metrics.RecordRun(mode, datastore.SessionStatusCompleted, elapsed.Seconds())
	counts := map[string]int{}
	for i := range detections {
		counts[detections[i].Source]++
	}
	for source, n := range counts {
		s.metrics.RecordCandidates(source, n)
	}
}

package detect

import (
	"context"
	"time"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/errors"
)

// RunAction adapts a detection run to the job queue. Its data is the session
// ID of the run to execute.
type RunAction struct {
	service *Service
}

// Execute runs the detection for the session carried in data.
func (a *RunAction) Execute(ctx context.Context, data any) error {
	sessionID, ok := data.(uint)
	if !ok {
		return errors.Newf("unexpected job data %T", data).
			Component("detect").
			Category(errors.CategoryJobQueue).
			Build()
	}
	return a.service.RunDetection(ctx, sessionID)
}

// OnPermanentFailure persists the terminal failure on the session once
// retries are exhausted. The session may already be terminal, for example
// after a cancellation; marking it again is a no-op.
func (a *RunAction) OnPermanentFailure(ctx context.Context, data any, err error) {
	sessionID, ok := data.(uint)
	if !ok {
		return
	}

	// The triggering context may already be done; give the bookkeeping its
	// own deadline.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if markErr := a.service.store.MarkSessionFailed(ctx, sessionID, err.Error()); markErr != nil {
		a.service.logger.Error("failed to mark session failed after run retries",
			"session_id", sessionID, "error", markErr)
		return
	}

	mode := datastore.ModeHybrid
	if session, getErr := a.service.store.GetSession(ctx, sessionID); getErr == nil {
		mode = session.Mode
	}
	a.service.metrics.RecordRun(mode, datastore.SessionStatusFailed, 0)
	a.service.logger.Error("detection run permanently failed",
		"session_id", sessionID, "error", err)
}

package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/geometry"
)

// initDetectionRoutes registers all detection-related API endpoints.
func (c *Controller) initDetectionRoutes() {
	c.Group.POST("/detect", c.StartDetection)
	c.Group.GET("/sessions/:id", c.GetSession)
	c.Group.POST("/sessions/:id/cancel", c.CancelSession)
	c.Group.POST("/sessions/:id/bulk-confirm", c.BulkConfirm)
	c.Group.POST("/sessions/:id/materialize", c.Materialize)

	c.Group.POST("/detections/:id/confirm", c.ConfirmDetection)
	c.Group.POST("/detections/:id/reject", c.RejectDetection)
}

// TemplateBoxRequest is the template region of a detect request, in
// page-pixel coordinates.
type TemplateBoxRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// DetectRequest is the payload starting a detection run.
type DetectRequest struct {
	PageID              uint               `json:"page_id"`
	ConditionID         uint               `json:"condition_id"`
	Template            TemplateBoxRequest `json:"template"`
	ConfidenceThreshold *float64           `json:"confidence_threshold,omitempty"`
	ScaleTolerance      *float64           `json:"scale_tolerance,omitempty"`
	RotationTolerance   *float64           `json:"rotation_tolerance,omitempty"`
	Mode                string             `json:"mode,omitempty"`
}

// DetectionResponse represents one detection candidate in API responses.
type DetectionResponse struct {
	ID            uint    `json:"id"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	W             float64 `json:"w"`
	H             float64 `json:"h"`
	CenterX       float64 `json:"center_x"`
	CenterY       float64 `json:"center_y"`
	Confidence    float64 `json:"confidence"`
	Source        string  `json:"source"`
	Status        string  `json:"status"`
	CountRecordID *uint   `json:"count_record_id,omitempty"`
}

// SessionResponse represents a detection session in API responses.
type SessionResponse struct {
	ID                  uint                `json:"id"`
	PageID              uint                `json:"page_id"`
	ConditionID         uint                `json:"condition_id"`
	Mode                string              `json:"mode"`
	Status              string              `json:"status"`
	ProgressStage       string              `json:"progress_stage,omitempty"`
	Progress            float64             `json:"progress"`
	ConfidenceThreshold float64             `json:"confidence_threshold"`
	TemplateCount       int                 `json:"template_count"`
	VisionCount         int                 `json:"vision_count"`
	MergedCount         int                 `json:"merged_count"`
	ProcessingMs        int64               `json:"processing_ms"`
	Error               string              `json:"error,omitempty"`
	Detections          []DetectionResponse `json:"detections,omitempty"`
}

func sessionResponse(s *datastore.DetectionSession) SessionResponse {
	resp := SessionResponse{
		ID:                  s.ID,
		PageID:              s.PageID,
		ConditionID:         s.ConditionID,
		Mode:                s.Mode,
		Status:              s.Status,
		ProgressStage:       s.ProgressStage,
		Progress:            s.Progress,
		ConfidenceThreshold: s.ConfidenceThreshold,
		TemplateCount:       s.TemplateCount,
		VisionCount:         s.VisionCount,
		MergedCount:         s.MergedCount,
		ProcessingMs:        s.ProcessingMs,
		Error:               s.ErrorMessage,
	}
	for i := range s.Detections {
		resp.Detections = append(resp.Detections, detectionResponse(&s.Detections[i]))
	}
	return resp
}

func detectionResponse(d *datastore.Detection) DetectionResponse {
	return DetectionResponse{
		ID:            d.ID,
		X:             d.X,
		Y:             d.Y,
		W:             d.W,
		H:             d.H,
		CenterX:       d.CenterX,
		CenterY:       d.CenterY,
		Confidence:    d.Confidence,
		Source:        d.Source,
		Status:        d.Status,
		CountRecordID: d.CountRecordID,
	}
}

// StartDetection creates a detection session and enqueues its run. It answers
// 202 with the pending session; clients poll GetSession for the outcome.
func (c *Controller) StartDetection(ctx echo.Context) error {
	var req DetectRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, errors.ValidationError("invalid request body"), "Failed to start detection")
	}

	session, err := c.Service.CreateSession(ctx.Request().Context(), &detect.SessionRequest{
		PageID:              req.PageID,
		ConditionID:         req.ConditionID,
		Template:            geometry.Box{X: req.Template.X, Y: req.Template.Y, W: req.Template.W, H: req.Template.H},
		ConfidenceThreshold: req.ConfidenceThreshold,
		ScaleTolerance:      req.ScaleTolerance,
		RotationTolerance:   req.RotationTolerance,
		Mode:                req.Mode,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to start detection")
	}

	return ctx.JSON(http.StatusAccepted, sessionResponse(&session))
}

// GetSession returns a session with its detections.
func (c *Controller) GetSession(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get session")
	}

	session, err := c.Service.GetSession(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get session")
	}
	return ctx.JSON(http.StatusOK, sessionResponse(&session))
}

// CancelResponse reports whether a cancel request was recorded.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CancelSession requests cancellation of a processing session.
func (c *Controller) CancelSession(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Failed to cancel session")
	}

	accepted, err := c.Service.CancelSession(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to cancel session")
	}
	if !accepted {
		return c.HandleError(ctx,
			errors.StateError("session is not processing"), "Failed to cancel session")
	}
	return ctx.JSON(http.StatusOK, CancelResponse{Cancelled: true})
}

// ConfirmDetection marks one detection as confirmed.
func (c *Controller) ConfirmDetection(ctx echo.Context) error {
	return c.reviewDetection(ctx, c.Service.ConfirmDetection, "Failed to confirm detection")
}

// RejectDetection marks one detection as rejected.
func (c *Controller) RejectDetection(ctx echo.Context) error {
	return c.reviewDetection(ctx, c.Service.RejectDetection, "Failed to reject detection")
}

func (c *Controller) reviewDetection(ctx echo.Context, apply func(ctxStd context.Context, id uint) (datastore.Detection, error), message string) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, message)
	}

	detection, err := apply(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, message)
	}
	return ctx.JSON(http.StatusOK, detectionResponse(&detection))
}

// BulkConfirmRequest carries the confidence threshold for bulk confirmation.
type BulkConfirmRequest struct {
	Threshold float64 `json:"threshold"`
}

// BulkConfirmResponse reports how many detections were confirmed.
type BulkConfirmResponse struct {
	Confirmed int64 `json:"confirmed"`
}

// BulkConfirm confirms every pending detection of the session at or above the
// requested confidence threshold.
func (c *Controller) BulkConfirm(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Failed to bulk confirm")
	}

	var req BulkConfirmRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, errors.ValidationError("invalid request body"), "Failed to bulk confirm")
	}

	confirmed, err := c.Service.BulkConfirm(ctx.Request().Context(), id, req.Threshold)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to bulk confirm")
	}
	return ctx.JSON(http.StatusOK, BulkConfirmResponse{Confirmed: confirmed})
}

// MaterializeResponse reports how many count records were created.
type MaterializeResponse struct {
	Created int `json:"created"`
}

// Materialize turns the session's confirmed detections into count records.
func (c *Controller) Materialize(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Failed to materialize detections")
	}

	created, err := c.Service.MaterializeConfirmed(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to materialize detections")
	}
	return ctx.JSON(http.StatusOK, MaterializeResponse{Created: created})
}

// Package detect orchestrates hybrid symbol detection: it owns the session and
// detection lifecycle, fans out to the template matcher and the vision
// detector, merges their candidates by spatial overlap, and drives the
// confirm/reject/materialize review workflow.
package detect

import (
	"context"
	"image"

	"github.com/takeoffworks/autocount/internal/geometry"
)

// MatchResult is the common candidate shape both detectors produce. Detectors
// normalize their raw output into this at their boundary; the orchestrator
// merges over it and never sees detector-specific shapes.
type MatchResult struct {
	Box        geometry.Box
	Center     geometry.Point
	Confidence float64 // [0,1]
	Source     string  // datastore.SourceTemplate or datastore.SourceVision
}

// MatchOptions carries the per-run tuning for the template matcher.
type MatchOptions struct {
	ConfidenceThreshold  float64 // final acceptance threshold
	ScaleTolerance       float64 // symmetric scale search range, fraction
	ScaleStep            float64 // scale search step, fraction
	RotationTolerance    float64 // symmetric rotation search range, degrees
	RotationStep         float64 // rotation search step, degrees
	CorrelationFloor     float64 // provisional peak floor
	NMSIoU               float64 // duplicate suppression overlap
	TemplateExclusionIoU float64 // overlap with the template box that disqualifies a match
}

// TemplateMatcher finds occurrences of the template region by image
// correlation. Implementations degrade to an empty list rather than failing
// the run when the page cannot be searched.
type TemplateMatcher interface {
	Find(ctx context.Context, page image.Image, template geometry.Box, opts MatchOptions) ([]MatchResult, error)
}

// VisionDetector finds occurrences of the template region by asking a
// vision-capable model. A malformed model response yields an empty list, not
// an error.
type VisionDetector interface {
	Find(ctx context.Context, page image.Image, template geometry.Box) ([]MatchResult, error)
}

// PageStore fetches the decoded raster for a registered page.
type PageStore interface {
	Fetch(ctx context.Context, imagePath string) (image.Image, error)
}

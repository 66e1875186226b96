// Package matcher implements multi-scale, multi-rotation template matching by
// normalized cross-correlation over grayscale rasters.
package matcher

import (
	"context"
	"image"
	"image/color"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/geometry"
	"github.com/takeoffworks/autocount/internal/logging"
)

// coarseFloor is the correlation a coarse-grid probe must reach before its
// neighborhood is searched at full resolution. Kept well below any sane
// acceptance threshold so true positives at sub-optimal alignment still
// trigger refinement.
const coarseFloor = 0.25

// minTemplateSide is the smallest template edge worth correlating, px.
const minTemplateSide = 8

// Matcher searches a page raster for occurrences of a template region.
type Matcher struct {
	logger *slog.Logger
}

// New returns a ready template matcher.
func New() *Matcher {
	return &Matcher{logger: logging.ForService("matcher")}
}

// Find crops the template region from the page and correlates resampled
// variants of it across the whole page. Provisional peaks above the
// correlation floor are collected per variant, candidates overlapping the
// template region itself are excluded, duplicates collapse under greedy NMS,
// and the survivors are filtered to the caller's acceptance threshold.
//
// A page or template that cannot be searched yields an empty list, not an
// error; the orchestrator must tolerate a single-detector result set.
func (m *Matcher) Find(ctx context.Context, page image.Image, template geometry.Box, opts detect.MatchOptions) ([]detect.MatchResult, error) {
	bounds := page.Bounds()
	pageBox := geometry.Box{W: float64(bounds.Dx()), H: float64(bounds.Dy())}
	if template.Empty() || !template.Within(pageBox) {
		m.logger.Warn("template box unusable, skipping template matching",
			"template", template, "page_w", bounds.Dx(), "page_h", bounds.Dy())
		return nil, nil
	}
	if template.W < minTemplateSide || template.H < minTemplateSide {
		m.logger.Warn("template too small to correlate", "w", template.W, "h", template.H)
		return nil, nil
	}

	pageGray := newGrayPlane(page)
	templateImg := imaging.Crop(page, image.Rect(
		int(template.X), int(template.Y),
		int(template.X+template.W), int(template.Y+template.H),
	))

	var provisional []detect.MatchResult
	for _, scale := range symmetricSteps(1.0, opts.ScaleTolerance, opts.ScaleStep) {
		for _, angle := range symmetricSteps(0.0, opts.RotationTolerance, opts.RotationStep) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			variant := resampleTemplate(templateImg, scale, angle)
			variantGray := newGrayPlane(variant)
			if variantGray.w < minTemplateSide || variantGray.h < minTemplateSide ||
				variantGray.w > pageGray.w || variantGray.h > pageGray.h {
				continue
			}

			peaks := pageGray.correlate(variantGray, opts.CorrelationFloor)
			provisional = append(provisional, peaks...)
		}
	}

	if len(provisional) == 0 {
		return nil, nil
	}

	// The template region itself is never a new occurrence.
	filtered := provisional[:0]
	for _, p := range provisional {
		if p.Box.IoU(template) > opts.TemplateExclusionIoU {
			continue
		}
		filtered = append(filtered, p)
	}

	boxes := make([]geometry.Box, len(filtered))
	scores := make([]float64, len(filtered))
	for i, p := range filtered {
		boxes[i] = p.Box
		scores[i] = p.Confidence
	}

	matches := make([]detect.MatchResult, 0, len(filtered))
	for _, idx := range geometry.Suppress(boxes, scores, opts.NMSIoU) {
		if filtered[idx].Confidence < opts.ConfidenceThreshold {
			continue
		}
		matches = append(matches, filtered[idx])
	}

	m.logger.Debug("template matching finished",
		"provisional", len(provisional), "matches", len(matches))
	return matches, nil
}

// resampleTemplate applies one scale/rotation combination to the template.
// Rotation fills the expanded corners with white, the paper color of a
// drawing sheet.
func resampleTemplate(templateImg image.Image, scale, angle float64) image.Image {
	out := templateImg
	if scale != 1.0 {
		w := int(float64(templateImg.Bounds().Dx())*scale + 0.5)
		out = imaging.Resize(out, w, 0, imaging.Lanczos)
	}
	if angle != 0 {
		out = imaging.Rotate(out, angle, color.White)
	}
	return out
}

// symmetricSteps enumerates center and ± multiples of step within tolerance,
// center first. A zero tolerance or step yields only the center value.
func symmetricSteps(center, tolerance, step float64) []float64 {
	values := []float64{center}
	if tolerance <= 0 || step <= 0 {
		return values
	}
	for offset := step; offset <= tolerance+1e-9; offset += step {
		values = append(values, center+offset, center-offset)
	}
	return values
}

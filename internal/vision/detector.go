package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/geometry"
	"github.com/takeoffworks/autocount/internal/logging"
)

const detectPrompt = `The attached construction drawing contains a repeated symbol. One occurrence of the symbol is outlined with a red rectangle.

Find every OTHER occurrence of the same symbol on the drawing. Do not include the outlined exemplar itself.

Answer with a JSON array only, no prose and no markdown. Each element describes one occurrence with pixel coordinates in the attached image:
[{"x": <left>, "y": <top>, "w": <width>, "h": <height>, "confidence": <0..1>}]

Answer [] if there are no other occurrences.`

// outlineWidth is the thickness of the exemplar annotation, px.
const outlineWidth = 3

// Detector implements symbol detection over a vision model transport.
type Detector struct {
	transport     Transport
	maxSubmitEdge int
	logger        *slog.Logger
}

// NewDetector wires a detector over the given transport. maxSubmitEdge caps
// the longest edge of the submitted raster; larger pages are downscaled
// before submission and coordinates are rescaled on the way back.
func NewDetector(transport Transport, maxSubmitEdge int) *Detector {
	return &Detector{
		transport:     transport,
		maxSubmitEdge: maxSubmitEdge,
		logger:        logging.ForService("vision"),
	}
}

type candidate struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Find annotates the exemplar, submits the page, and normalizes the model's
// answer into match results. Transport failures are returned to the caller;
// a reply that cannot be parsed yields an empty list so a run can complete
// on template matches alone.
func (d *Detector) Find(ctx context.Context, page image.Image, template geometry.Box) ([]detect.MatchResult, error) {
	annotated := annotateExemplar(page, template)

	bounds := annotated.Bounds()
	submitted := annotated
	scaleBack := 1.0
	if longest := max(bounds.Dx(), bounds.Dy()); d.maxSubmitEdge > 0 && longest > d.maxSubmitEdge {
		submitted = imaging.Fit(annotated, d.maxSubmitEdge, d.maxSubmitEdge, imaging.Lanczos)
		scaleBack = float64(longest) / float64(max(submitted.Bounds().Dx(), submitted.Bounds().Dy()))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, submitted, imaging.PNG); err != nil {
		return nil, visionError(err, "encode_png", 0)
	}

	reply, err := d.transport.Complete(ctx, buf.Bytes(), detectPrompt)
	if err != nil {
		return nil, err
	}

	candidates, ok := parseCandidates(reply)
	if !ok {
		d.logger.Warn("unparseable model reply, treating as no detections",
			"reply_len", len(reply))
		return nil, nil
	}

	pageBox := geometry.Box{W: float64(bounds.Dx()), H: float64(bounds.Dy())}
	results := make([]detect.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		box := geometry.Box{
			X: c.X * scaleBack,
			Y: c.Y * scaleBack,
			W: c.W * scaleBack,
			H: c.H * scaleBack,
		}
		box = clampToPage(box, pageBox)
		if box.Empty() {
			continue
		}
		results = append(results, detect.MatchResult{
			Box:        box,
			Center:     box.Center(),
			Confidence: clamp01(c.Confidence),
			Source:     datastore.SourceVision,
		})
	}

	d.logger.Debug("vision detection finished", "candidates", len(results))
	return results, nil
}

// annotateExemplar clones the page and draws a red outline around the
// template region.
func annotateExemplar(page image.Image, template geometry.Box) *image.NRGBA {
	out := imaging.Clone(page)
	red := color.NRGBA{R: 220, A: 255}

	x0, y0 := int(template.X), int(template.Y)
	x1, y1 := int(template.X+template.W), int(template.Y+template.H)
	for t := 0; t < outlineWidth; t++ {
		for x := x0 - t; x <= x1+t; x++ {
			setIfInside(out, x, y0-t, red)
			setIfInside(out, x, y1+t, red)
		}
		for y := y0 - t; y <= y1+t; y++ {
			setIfInside(out, x0-t, y, red)
			setIfInside(out, x1+t, y, red)
		}
	}
	return out
}

func setIfInside(img *image.NRGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}

// parseCandidates tolerates code fences and surrounding prose around the JSON
// array. It reports false only when no array can be decoded at all.
func parseCandidates(reply string) ([]candidate, bool) {
	text := stripCodeFences(reply)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, false
	}

	var out []candidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clampToPage(box, page geometry.Box) geometry.Box {
	if box.X < 0 {
		box.W += box.X
		box.X = 0
	}
	if box.Y < 0 {
		box.H += box.Y
		box.Y = 0
	}
	if box.X+box.W > page.W {
		box.W = page.W - box.X
	}
	if box.Y+box.H > page.H {
		box.H = page.H - box.Y
	}
	if box.W < 0 {
		box.W = 0
	}
	if box.H < 0 {
		box.H = 0
	}
	return box
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package vision

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/geometry"
)

type fakeTransport struct {
	reply string
	err   error

	pngLen int
	prompt string
}

func (f *fakeTransport) Complete(_ context.Context, png []byte, prompt string) (string, error) {
	f.pngLen = len(png)
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func whitePage(w, h int) *image.NRGBA {
	page := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return page
}

func TestFindParsesPlainJSON(t *testing.T) {
	transport := &fakeTransport{
		reply: `[{"x": 250, "y": 80, "w": 50, "h": 50, "confidence": 0.9}]`,
	}
	d := NewDetector(transport, 2048)

	results, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 100, Y: 100, W: 50, H: 50})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, geometry.Box{X: 250, Y: 80, W: 50, H: 50}, results[0].Box)
	assert.Equal(t, geometry.Point{X: 275, Y: 105}, results[0].Center)
	assert.Equal(t, "vision", results[0].Source)
	assert.Positive(t, transport.pngLen, "page must be submitted as PNG")
	assert.Contains(t, transport.prompt, "JSON array")
}

func TestFindParsesFencedJSON(t *testing.T) {
	transport := &fakeTransport{
		reply: "```json\n[{\"x\": 10, \"y\": 20, \"w\": 30, \"h\": 30, \"confidence\": 1.4}]\n```",
	}
	d := NewDetector(transport, 2048)

	results, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 100, Y: 100, W: 50, H: 50})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Confidence, "confidence is clamped to [0,1]")
}

func TestFindMalformedReplyYieldsNoDetections(t *testing.T) {
	for _, reply := range []string{
		"I could not find any symbols on this drawing.",
		`{"x": 1}`,
		"[{broken",
		"",
	} {
		d := NewDetector(&fakeTransport{reply: reply}, 2048)
		results, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 100, Y: 100, W: 50, H: 50})
		require.NoError(t, err, "reply %q", reply)
		assert.Empty(t, results, "reply %q", reply)
	}
}

func TestFindEmptyArray(t *testing.T) {
	d := NewDetector(&fakeTransport{reply: "[]"}, 2048)
	results, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 100, Y: 100, W: 50, H: 50})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindRescalesDownscaledCoordinates(t *testing.T) {
	// A 4096-wide page is submitted at 1024, so model coordinates come back
	// at quarter size and must be scaled up by four.
	transport := &fakeTransport{
		reply: `[{"x": 100, "y": 50, "w": 25, "h": 25, "confidence": 0.8}]`,
	}
	d := NewDetector(transport, 1024)

	results, err := d.Find(context.Background(), whitePage(4096, 2048), geometry.Box{X: 0, Y: 0, W: 100, H: 100})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, geometry.Box{X: 400, Y: 200, W: 100, H: 100}, results[0].Box)
}

func TestFindClampsToPage(t *testing.T) {
	transport := &fakeTransport{
		reply: `[{"x": 380, "y": 280, "w": 50, "h": 50, "confidence": 0.8},
		         {"x": 500, "y": 500, "w": 50, "h": 50, "confidence": 0.8}]`,
	}
	d := NewDetector(transport, 2048)

	results, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 0, Y: 0, W: 50, H: 50})
	require.NoError(t, err)
	require.Len(t, results, 1, "a box entirely off the page is dropped")
	assert.Equal(t, geometry.Box{X: 380, Y: 280, W: 20, H: 20}, results[0].Box)
}

func TestFindTransportErrorPropagates(t *testing.T) {
	transportErr := errors.New(errors.NewStd("model unavailable")).
		Component("vision").
		Category(errors.CategoryVision).
		Build()
	d := NewDetector(&fakeTransport{err: transportErr}, 2048)

	_, err := d.Find(context.Background(), whitePage(400, 300), geometry.Box{X: 0, Y: 0, W: 50, H: 50})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryVision))
}

func TestGeminiTransportRequiresAPIKey(t *testing.T) {
	g := &GeminiTransport{Model: "gemini-2.0-flash"}
	_, err := g.Complete(context.Background(), []byte{1}, "prompt")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

// Package vision finds symbol occurrences by submitting an annotated page
// raster to a vision-capable model and parsing its JSON answer.
package vision

import (
	"context"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/takeoffworks/autocount/internal/errors"
)

// Transport submits one PNG plus an instruction prompt to a model and returns
// the raw text of its reply.
type Transport interface {
	Complete(ctx context.Context, png []byte, prompt string) (string, error)
}

// GeminiTransport talks to the Gemini API. The zero value is unusable; both
// fields are required.
type GeminiTransport struct {
	APIKey string
	Model  string
}

func (g *GeminiTransport) Complete(ctx context.Context, png []byte, prompt string) (string, error) {
	if g.APIKey == "" {
		return "", errors.New(errors.NewStd("gemini api key is empty")).
			Component("vision").
			Category(errors.CategoryConfiguration).
			Build()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.APIKey))
	if err != nil {
		return "", visionError(err, "create_client", 0)
	}
	defer client.Close()

	model := client.GenerativeModel(strings.TrimSpace(g.Model))
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}

	started := time.Now()
	resp, err := model.GenerateContent(ctx,
		genai.Text(prompt),
		&genai.Blob{MIMEType: "image/png", Data: png},
	)
	if err != nil {
		return "", visionError(err, "generate_content", time.Since(started))
	}

	text := firstText(resp)
	if text == "" {
		return "", visionError(errors.NewStd("empty model response"), "generate_content", time.Since(started))
	}
	return text, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func visionError(err error, operation string, elapsed time.Duration) error {
	eb := errors.New(err).
		Component("vision").
		Category(errors.CategoryVision)
	if elapsed > 0 {
		eb = eb.Timing(operation, elapsed)
	} else {
		eb = eb.Context("operation", operation)
	}
	return eb.Build()
}

func ptrFloat32(v float32) *float32 { return &v }

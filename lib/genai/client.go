// Package genai wraps the Google generative language REST API and
// layers a model fallback chain on top of it, since the free tier
// rate-limits individual models long before the account as a whole.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bidwatch-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

// ErrCapacityExhausted maps the RESOURCE_EXHAUSTED (429) class of
// upstream errors: the model still exists but this account has hit
// its quota for it.
var ErrCapacityExhausted = errors.New("model capacity exhausted")

// ErrModelUnavailable maps NOT_FOUND (404): the model id is unknown
// or has been retired.
var ErrModelUnavailable = errors.New("model unavailable")

type Request struct {
	Prompt string
	// optional PNG attachment for vision prompts
	ImagePNG    []byte
	Temperature float64
}

type Client interface {
	Generate(ctx context.Context, model string, req Request) (string, error)
}

const geminiBaseUrl = "https://generativelanguage.googleapis.com/v1beta"

type GeminiClient struct {
	http *resty.Client
}

func NewGeminiClient(apiKey string) *GeminiClient {
	client := resty.New()
	client.SetBaseURL(geminiBaseUrl)
	client.SetHeader("x-goog-api-key", apiKey)
	client.SetTimeout(time.Second * 60)

	telemetry.InstrumentResty(client, "genai/http")

	return &GeminiClient{http: client}
}

// SetBaseUrl points the client at a different endpoint, for tests.
func (c *GeminiClient) SetBaseUrl(url string) {
	c.http.SetBaseURL(url)
}

type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generateBody struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GeminiClient) Generate(ctx context.Context, model string, req Request) (string, error) {
	parts := []generatePart{{Text: req.Prompt}}
	if len(req.ImagePNG) > 0 {
		parts = append(parts, generatePart{
			InlineData: &inlineData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(req.ImagePNG),
			},
		})
	}

	var body generateBody
	body.Contents = []generateContent{{Parts: parts}}
	body.GenerationConfig.Temperature = req.Temperature

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(body).
		Post(fmt.Sprintf("/models/%s:generateContent", model))
	if err != nil {
		return "", err
	}

	var parsed generateResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil && res.IsError() {
		parsed = generateResponse{}
	} else if err != nil {
		return "", fmt.Errorf("unexpected response from model %s: %w", model, err)
	}

	if res.IsError() || parsed.Error != nil {
		status := ""
		message := res.Status()
		if parsed.Error != nil {
			status = parsed.Error.Status
			message = parsed.Error.Message
		}
		switch {
		case res.StatusCode() == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
			return "", fmt.Errorf("%w: %s: %s", ErrCapacityExhausted, model, message)
		case res.StatusCode() == http.StatusNotFound || status == "NOT_FOUND":
			return "", fmt.Errorf("%w: %s: %s", ErrModelUnavailable, model, message)
		default:
			return "", fmt.Errorf("model %s: %s", model, message)
		}
	}

	for _, candidate := range parsed.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				return strings.TrimSpace(part.Text), nil
			}
		}
	}
	return "", fmt.Errorf("model %s returned no text candidates", model)
}

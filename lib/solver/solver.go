// Package solver turns the BID's distorted-text captcha into a
// four-letter guess using a vision model, and exposes the same
// engine for free-text generation.
package solver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"regexp"
	"strings"

	"bidwatch-backend/lib/genai"

	_ "image/gif"
	_ "image/jpeg"
)

// Engine is the slice of the fallback engine the solver needs.
type Engine interface {
	Generate(ctx context.Context, req genai.Request) (string, error)
}

type Solver struct {
	engine Engine
}

func New(engine Engine) Solver {
	return Solver{engine: engine}
}

const captchaLength = 4

// pixels darker than this are kept as strokes, everything lighter is
// flattened to white. the BID captcha draws thick dark glyphs over
// light speckle noise, so a fixed cutoff separates them well.
const luminanceCutoff = 120

const captchaPrompt = `Act as a robust OCR system designed to solve noisy CAPTCHAs. Analyze the provided image focusing on the BLACK characters against the WHITE background.

Instructions:
1. Identify exactly 4 uppercase letters (A-Z).
2. Do not include numbers; strictly output letters.
3. The characters are thick and dark.

Output: Return ONLY the 4 letters found, with no additional text or whitespace.`

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SolveCaptcha takes the base64 image payload as served by the BID,
// preprocesses it and asks the engine to read it. The guess is
// normalized to at most 4 uppercase alphanumerics; whether it is
// correct is only known once it is submitted.
func (s Solver) SolveCaptcha(ctx context.Context, base64Image string) (string, error) {
	clean := strings.TrimSpace(strings.Trim(strings.TrimSpace(base64Image), `"`))
	raw, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("decode captcha payload: %w", err)
	}

	processed, err := preprocess(raw)
	if err != nil {
		// feed the original image to the model rather than failing,
		// an unreadable guess just costs one retry
		processed = raw
	}

	text, err := s.engine.Generate(ctx, genai.Request{
		Prompt:      captchaPrompt,
		ImagePNG:    processed,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	guess := strings.ToUpper(nonAlphanumeric.ReplaceAllString(text, ""))
	if guess == "" {
		return "", fmt.Errorf("model read no characters from captcha")
	}
	if len(guess) > captchaLength {
		guess = guess[:captchaLength]
	}
	return guess, nil
}

// GenerateText runs a text-only prompt through the fallback engine.
func (s Solver) GenerateText(ctx context.Context, prompt string) (string, error) {
	return s.engine.Generate(ctx, genai.Request{Prompt: prompt})
}

// preprocess flattens the captcha to pure black and white: grayscale
// conversion followed by a binary luminance threshold that drops the
// speckle noise.
func preprocess(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(src.At(x, y)).(color.Gray)
			if gray.Y < luminanceCutoff {
				out.SetGray(x, y, color.Gray{Y: 0})
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	err = png.Encode(&buf, out)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

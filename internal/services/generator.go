package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGenerateTimeout = 60 * time.Second
	maxRetries             = 2
	noContent              = "No content returned."
)

// ErrGeneratorNotConfigured is returned when no API key is set.
var ErrGeneratorNotConfigured = errors.New("text generation API key not configured")

// GenerationError is a non-2xx answer from the generation API.
type GenerationError struct {
	StatusCode int
	Message    string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed with status %d: %s", e.StatusCode, e.Message)
}

// Generator calls the Gemini generateContent endpoint.
type Generator struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// NewGenerator returns a Generator with its own timeout-bound HTTP client.
func NewGenerator(apiKey, defaultModel string, timeout time.Duration, logger *slog.Logger) *Generator {
	if timeout <= 0 {
		timeout = defaultGenerateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		APIKey:       apiKey,
		BaseURL:      DefaultGeminiBaseURL,
		DefaultModel: defaultModel,
		HTTPClient:   &http.Client{Timeout: timeout},
		Logger:       logger,
	}
}

// GenerateRequest is one polishing call.
type GenerateRequest struct {
	Text         string
	SystemPrompt string
	Model        string
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generatePayload struct {
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Contents          []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ResolveModel maps short model names to the API's -latest aliases.
func ResolveModel(model string) string {
	switch model {
	case "gemini-1.5-flash":
		return "gemini-1.5-flash-latest"
	case "gemini-1.5-pro":
		return "gemini-1.5-pro-latest"
	}
	return model
}

// Generate returns the first candidate's text. Transport errors and 5xx
// answers are retried; 4xx answers are not.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if g.APIKey == "" {
		return "", ErrGeneratorNotConfigured
	}
	model := req.Model
	if model == "" {
		model = g.DefaultModel
	}
	payload := generatePayload{Contents: []content{{Parts: []part{{Text: req.Text}}}}}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal generate payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(g.BaseURL, "/"), url.PathEscape(ResolveModel(model)), url.QueryEscape(g.APIKey))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		text, retry, err := g.do(ctx, endpoint, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry {
			break
		}
		g.Logger.Warn("generation attempt failed", "model", model, "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

func (g *Generator) do(ctx context.Context, endpoint string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, fmt.Errorf("read generate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		msg := fmt.Sprintf("API request failed with status %d", resp.StatusCode)
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return "", resp.StatusCode >= 500, &GenerationError{StatusCode: resp.StatusCode, Message: msg}
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", false, fmt.Errorf("decode generate response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 || gr.Candidates[0].Content.Parts[0].Text == "" {
		return noContent, false, nil
	}
	return gr.Candidates[0].Content.Parts[0].Text, false, nil
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Endpoint configures one HTTP backend.
type Endpoint struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `json:"base_url"`
	// RequiresCredential marks backends that must receive a bearer token.
	// Local/offline backends leave this false and proceed without one.
	RequiresCredential bool `json:"requires_credential"`
}

// HTTPClient talks to chat-completions compatible backends over HTTP.
type HTTPClient struct {
	endpoints  map[string]Endpoint
	httpClient *http.Client
}

// HTTPOption configures the client.
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets a custom http.Client (custom timeout, transport, test server).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// NewHTTPClient creates a client for the given backend endpoints.
func NewHTTPClient(endpoints map[string]Endpoint, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RequiresCredential reports whether the backend is configured to need a secret.
// Unknown backends report false; Complete rejects them later.
func (h *HTTPClient) RequiresCredential(backendID string) bool {
	ep, ok := h.endpoints[backendID]
	return ok && ep.RequiresCredential
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Client against a chat-completions endpoint.
func (h *HTTPClient) Complete(ctx context.Context, backendID, model, systemText, userText string, opts Options) (*Completion, error) {
	ep, ok := h.endpoints[backendID]
	if !ok {
		return nil, &ErrUnknownBackend{BackendID: backendID}
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemText},
			{Role: "user", Content: userText},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.ForceJSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(ep.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+opts.Credential)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend %s request failed: %w", backendID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s returned status %d: %s",
			backendID, resp.StatusCode, truncate(string(respBody), 500))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend %s returned no choices", backendID)
	}

	return &Completion{
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

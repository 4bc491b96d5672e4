package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint. The
// conversation id is passed through so the downstream service can reuse its
// own session state.
type HTTPClient struct {
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &HTTPClient{
		url:        strings.TrimSpace(config.URL),
		apiKey:     strings.TrimSpace(config.APIKey),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Generate(ctx context.Context, request Request) (string, error) {
	if c.url == "" {
		return "", Permanent("backend url not configured", nil)
	}

	payload := chatPayload{
		Model:          request.Model,
		ConversationID: request.ConversationID,
		Messages:       []chatMessage{{Role: "user", Content: request.Prompt}},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", Permanent("encode request", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.url, bytes.NewReader(encoded))
	if err != nil {
		return "", Permanent("create request", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return "", Transient("backend call timed out", err)
		}
		return "", Transient("backend unreachable", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 4<<20))
	if err != nil {
		return "", Transient("read response", err)
	}

	switch {
	case httpResponse.StatusCode == http.StatusOK:
	case httpResponse.StatusCode == http.StatusTooManyRequests,
		httpResponse.StatusCode == http.StatusRequestTimeout,
		httpResponse.StatusCode >= http.StatusInternalServerError:
		return "", Transient(fmt.Sprintf("backend status %d", httpResponse.StatusCode), nil)
	default:
		return "", Permanent(fmt.Sprintf("backend rejected request with status %d: %s",
			httpResponse.StatusCode, truncate(string(body), 200)), nil)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", Permanent("decode response", err)
	}
	if len(decoded.Choices) == 0 {
		return "", Permanent("response has no choices", nil)
	}
	return decoded.Choices[0].Message.Content, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

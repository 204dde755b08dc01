// Package exec submits code to a Judge0-compatible execution service
// and returns the run result. Sources and outputs travel base64
// encoded so arbitrary bytes survive the JSON transport.
package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codesathi/backend/internal/apperror"
)

const (
	defaultPollInterval = time.Second
	statusProcessing    = 2 // ids 1 (queued) and 2 (processing) mean not done yet
)

type Request struct {
	Code       string `json:"code"`
	LanguageID int    `json:"languageId"`
	Stdin      string `json:"stdin,omitempty"`
}

type Status struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

type Result struct {
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	Message string  `json:"message"`
	Status  Status  `json:"status"`
	Time    string  `json:"time,omitempty"`
	Memory  float64 `json:"memory,omitempty"`
}

// Runner is what the HTTP layer depends on; tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

type Client struct {
	baseURL      string
	apiKey       string
	apiHost      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewClient(baseURL, apiKey, apiHost string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		apiHost:      apiHost,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

type submission struct {
	Token   string  `json:"token"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	Message string  `json:"message"`
	Status  *Status `json:"status"`
	Time    string  `json:"time"`
	Memory  float64 `json:"memory"`
}

// Run submits the code with wait=true. Judge0 usually answers with the
// finished submission inline; when it returns early with a queued or
// processing status, Run polls the token until the run settles.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	if req.LanguageID <= 0 {
		return nil, apperror.ValidationFailed("languageId", "must be a positive Judge0 language id")
	}

	body, err := json.Marshal(map[string]any{
		"language_id": req.LanguageID,
		"source_code": base64.StdEncoding.EncodeToString([]byte(req.Code)),
		"stdin":       base64.StdEncoding.EncodeToString([]byte(req.Stdin)),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	url := c.baseURL + "/submissions?base64_encoded=true&wait=true&fields=*"
	sub, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for sub.Status != nil && sub.Status.ID <= statusProcessing {
		if sub.Token == "" {
			return nil, fmt.Errorf("execution service returned pending result without a token")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		sub, err = c.fetch(ctx, sub.Token)
		if err != nil {
			return nil, err
		}
	}

	if sub.Status == nil {
		return nil, fmt.Errorf("execution service returned no status")
	}

	return &Result{
		Stdout:  decode(sub.Stdout),
		Stderr:  decode(sub.Stderr),
		Message: decode(sub.Message),
		Status:  *sub.Status,
		Time:    sub.Time,
		Memory:  sub.Memory,
	}, nil
}

func (c *Client) fetch(ctx context.Context, token string) (*submission, error) {
	url := c.baseURL + "/submissions/" + token + "?base64_encoded=true&fields=*"
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body *bytes.Reader) (*submission, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-rapidapi-key", c.apiKey)
	}
	if c.apiHost != "" {
		req.Header.Set("x-rapidapi-host", c.apiHost)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execution request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("execution service responded %d", resp.StatusCode)
	}

	var sub submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode execution response: %w", err)
	}
	return &sub, nil
}

// decode tolerates plaintext responses from services that ignore the
// base64_encoded flag on output fields.
func decode(s string) string {
	if s == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(raw)
}

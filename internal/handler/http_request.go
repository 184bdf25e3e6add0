package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// maxResponseBytes bounds how much of a response body is captured as output
const maxResponseBytes = 1 << 20

// HTTPRequest describes the request made by an http step
type HTTPRequest struct {
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body    string            `yaml:"body" json:"body,omitempty"`
	// ExpectStatus, when set, is the only status treated as success.
	ExpectStatus int `yaml:"expect_status" json:"expect_status,omitempty"`
}

// Validate checks the request before it is bound to a task
func (r *HTTPRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("http url is required")
	}
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return fmt.Errorf("http url must use http or https: %s", r.URL)
	}
	return nil
}

// HTTPRequestHandler performs HTTP requests as in-process task bodies
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. The task timeout bounds each request.
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger:     logger.Named("http"),
		httpClient: &http.Client{},
	}
}

// Callback returns a task body performing req. The response body becomes the task output.
func (h *HTTPRequestHandler) Callback(req HTTPRequest) model.CallbackFunc {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	return func(ctx context.Context) (string, error) {
		var body io.Reader
		if req.Body != "" {
			body = strings.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		for key, value := range req.Headers {
			httpReq.Header.Add(key, value)
		}

		h.logger.Info("Executing HTTP request",
			zap.String("method", method),
			zap.String("url", req.URL))

		resp, err := h.httpClient.Do(httpReq)
		if err != nil {
			return "", fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return "", fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case req.ExpectStatus != 0 && resp.StatusCode != req.ExpectStatus:
			return string(data), fmt.Errorf("HTTP request returned status %d, expected %d", resp.StatusCode, req.ExpectStatus)
		case req.ExpectStatus == 0 && resp.StatusCode >= 400:
			return string(data), fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
		}
		return string(data), nil
	}
}

// graph/client.go
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const maxErrorBody = 64 << 10

// TokenSource hands out bearer tokens and is told when one was rejected.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Client is an authenticated Microsoft Graph REST client
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a new Graph API client
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tracer:     otel.Tracer("invoicesync/graph"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is the error body Graph returns alongside a failing status.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("graph returned status %d", e.Status)
	}
	return fmt.Sprintf("graph error %s: %s", e.Code, e.Message)
}

// CodeOf returns the Graph error code carried by err, or "".
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// JSON sends body (when non-nil) as JSON and decodes the response into out
// (when non-nil). path is relative to the base URL unless it is absolute,
// as @odata.nextLink values are.
func (c *Client) JSON(ctx context.Context, op, method, path string, body, out interface{}) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.Unknown, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		contentType = "application/json"
	}
	return c.send(ctx, op, method, path, payload, contentType, out)
}

// Upload sends raw bytes with the given content type.
func (c *Client) Upload(ctx context.Context, op, method, path string, data []byte, contentType string, out interface{}) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.send(ctx, op, method, path, data, contentType, out)
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, contentType string, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "graph."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("graph.path", path),
	)

	err := c.do(ctx, op, method, path, payload, contentType, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if status := apperr.StatusOf(err); status != 0 {
			span.SetAttributes(attribute.Int("http.status_code", status))
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, contentType string, out interface{}) error {
	token, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return err
	}

	endpoint := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		endpoint = c.baseURL + path
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return apperr.New(apperr.Unknown, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.New(apperr.Unknown, op, ctx.Err())
		}
		return apperr.New(apperr.RemoteUnavailable, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.errorFrom(ctx, op, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperr.New(apperr.Unknown, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) errorFrom(ctx context.Context, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else if len(body) > 0 {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	kind := apperr.FromStatus(resp.StatusCode)
	if kind == apperr.AuthRequired {
		// The token was rejected outright; a refresh will not help.
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.logger.Warn("failed to invalidate credential", slog.Any("error", err))
		}
	}
	return &apperr.Error{Kind: kind, Op: op, Status: resp.StatusCode, Err: apiErr}
}

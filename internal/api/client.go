// Package api is the HTTP side of the chat client: authentication, the
// current identity, and the room directory.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"yochat/client/pkg/errors"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/resilience"
)

const instrumentationName = "yochat/client/internal/api"

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	Breaker    resilience.CircuitBreakerConfig
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client performs JSON requests against the chat API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	log     *logger.Logger

	tracer  trace.Tracer
	latency metric.Float64Histogram
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Breaker.Name == "" {
		opts.Breaker = resilience.DefaultCircuitBreakerConfig("api")
	}
	if opts.Breaker.IsFailure == nil {
		opts.Breaker.IsFailure = isServerFailure
	}

	log := opts.Logger.WithComponent("api")
	latency, err := otel.Meter(instrumentationName).Float64Histogram(
		"yochat.api.request.duration",
		metric.WithDescription("Chat API request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.LogError(err, "Failed to create API latency histogram")
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    opts.HTTPClient,
		breaker: resilience.NewCircuitBreaker(opts.Breaker, opts.Logger),
		log:     log,
		tracer:  otel.Tracer(instrumentationName),
		latency: latency,
	}
}

// Token returns the bearer token sent with every request.
func (c *Client) Token() string { return c.token }

// SetToken replaces the bearer token, e.g. after logging in.
func (c *Client) SetToken(token string) { c.token = token }

// Breaker exposes the circuit breaker guarding the API.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// isServerFailure counts transport errors and 5xx responses against the
// breaker. Client errors say nothing about the server's health.
func isServerFailure(err error) bool {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// errorBody is the error shape the server returns on 4xx/5xx.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", routeOf(path)),
		),
	)
	defer span.End()

	start := time.Now()
	status := 0
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.roundTrip(ctx, method, path, body, out)
		return err
	})

	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", routeOf(path)),
			attribute.Int("http.status_code", status),
		))
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug("API request failed", "method", method, "path", path, "status", status, "error", err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Message
		}
		return resp.StatusCode, errors.FromResponse(resp.StatusCode, eb.Code, msg)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

// routeOf collapses ids out of a path so spans and metrics keep a bounded
// cardinality: /rooms/abc -> /rooms/:id.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "rooms" && parts[1] != "my":
		return "/rooms/:id"
	case len(parts) == 3 && parts[0] == "rooms" && parts[1] == "join":
		return "/rooms/join/:id"
	}
	return path
}

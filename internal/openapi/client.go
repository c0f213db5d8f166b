// Package openapi реализует клиент REST-эндпоинтов подписок потокового API.
package openapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/common/telemetry"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

const maxErrorBody = 4 << 10

// CreateRequest: тело запроса создания (или замены) подписки.
type CreateRequest struct {
	ContextID          string         `json:"ContextId"`
	ReferenceID        string         `json:"ReferenceId"`
	ReplaceReferenceID string         `json:"ReplaceReferenceId,omitempty"`
	Format             string         `json:"Format,omitempty"`
	RefreshRate        int            `json:"RefreshRate,omitempty"`
	Tag                string         `json:"Tag,omitempty"`
	Arguments          map[string]any `json:"Arguments,omitempty"`
}

// CreateResponse: ответ на создание подписки.
type CreateResponse struct {
	ReferenceID       string          `json:"ReferenceId"`
	InactivityTimeout int             `json:"InactivityTimeout"` // секунды
	State             string          `json:"State,omitempty"`
	Snapshot          json.RawMessage `json:"Snapshot,omitempty"`
	SchemaName        string          `json:"SchemaName,omitempty"`
	Schema            []byte          `json:"Schema,omitempty"` // base64 FileDescriptorSet
}

// Timeout: InactivityTimeout как time.Duration.
func (r *CreateResponse) Timeout() time.Duration {
	return time.Duration(r.InactivityTimeout) * time.Second
}

// Client выполняет вызовы create/replace/delete. Ошибки не ретраятся:
// решение о повторе принимает вызывающий.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        *logger.Logger
	tracer     trace.Tracer
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient создаёт клиента. baseURL задаёт корень API, к нему добавляется path подписки.
func NewClient(baseURL string, tokens TokenSource, log *logger.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("openapi: invalid base url %q", baseURL)
	}
	if tokens == nil {
		return nil, fmt.Errorf("openapi: token source is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.Named("openapi"),
		tracer:     telemetry.Tracer("openapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateSubscription создаёт подписку по path. Если req.ReplaceReferenceID
// задан, сервер атомарно снимает старую регистрацию.
func (c *Client) CreateSubscription(ctx context.Context, path string, req CreateRequest) (*CreateResponse, error) {
	op := "create"
	if req.ReplaceReferenceID != "" {
		op = "replace"
	}
	ctx, span := c.tracer.Start(ctx, "openapi.CreateSubscription", trace.WithAttributes(
		attribute.String("subscription.path", path),
		attribute.String("subscription.reference_id", req.ReferenceID),
		attribute.String("subscription.replace_reference_id", req.ReplaceReferenceID),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openapi: marshal request: %w", err)
	}

	status, raw, err := c.do(ctx, op, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status < 200 || status > 299 {
		err := &RequestError{Op: op, ReferenceID: req.ReferenceID, Status: status, Body: truncate(raw)}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openapi: decode %s response for %q: %w", op, req.ReferenceID, err)
	}
	if resp.ReferenceID == "" {
		resp.ReferenceID = req.ReferenceID
	}
	c.log.WithContext(ctx).Debug("subscription created",
		zap.String("op", op),
		zap.String("reference_id", resp.ReferenceID),
		zap.String("replaced", req.ReplaceReferenceID),
		zap.Int("inactivity_timeout", resp.InactivityTimeout),
		zap.String("schema", resp.SchemaName),
	)
	return &resp, nil
}

// DeleteSubscription удаляет подписку. 404 считается успехом.
func (c *Client) DeleteSubscription(ctx context.Context, path, contextID, referenceID string) error {
	ctx, span := c.tracer.Start(ctx, "openapi.DeleteSubscription", trace.WithAttributes(
		attribute.String("subscription.path", path),
		attribute.String("subscription.reference_id", referenceID),
	))
	defer span.End()

	target := c.baseURL + path + "/" + url.PathEscape(contextID) + "/" + url.PathEscape(referenceID)
	status, raw, err := c.do(ctx, "delete", http.MethodDelete, target, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status == http.StatusNotFound {
		c.log.WithContext(ctx).Debug("subscription already gone", zap.String("reference_id", referenceID))
		return nil
	}
	if status < 200 || status > 299 {
		err := &RequestError{Op: "delete", ReferenceID: referenceID, Status: status, Body: truncate(raw)}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		metrics.SubscriptionRequests.WithLabelValues(op, "token_error").Inc()
		return 0, nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("openapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SubscriptionRequests.WithLabelValues(op, "transport_error").Inc()
		return 0, nil, fmt.Errorf("openapi: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.SubscriptionRequests.WithLabelValues(op, "transport_error").Inc()
		return resp.StatusCode, nil, fmt.Errorf("openapi: read %s response: %w", op, err)
	}
	metrics.SubscriptionRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return resp.StatusCode, raw, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}

package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/infra/buildinfo"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 30 * time.Second

// maxResponseBody caps decoded response bodies.
const maxResponseBody = 64 << 20

// HTTPClient provides HTTP communication with the server.
type HTTPClient struct {
	baseURL   string
	client    *http.Client
	token     string
	userAgent string
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAdminToken sets the bearer token sent with every request.
func WithAdminToken(token string) Option {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.client = hc
	}
}

// NewHTTPClient creates a client for server, which may omit the scheme
// and may carry the server's root path ("host:8080/wayback").
func NewHTTPClient(server string, opts ...Option) *HTTPClient {
	baseURL := strings.TrimRight(server, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	c := &HTTPClient{
		baseURL:   baseURL,
		userAgent: buildinfo.UserAgent(),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Search calls GET /search.
func (c *HTTPClient) Search(ctx context.Context, req *service.LookupRequest) (*service.LookupResult, error) {
	var res service.LookupResult
	if err := c.do(ctx, http.MethodGet, "/search", SearchQuery(req), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Validate calls GET /validate.
func (c *HTTPClient) Validate(ctx context.Context, prefix netip.Prefix, asn uint32, date domain.Date) (*service.ValidateResult, error) {
	q := url.Values{}
	q.Set("prefix", prefix.String())
	q.Set("asn", strconv.FormatUint(uint64(asn), 10))
	if date.IsSet() {
		q.Set("date", date.String())
	}

	var res service.ValidateResult
	if err := c.do(ctx, http.MethodGet, "/validate", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health calls GET /ready, or GET /health when ready is false.
func (c *HTTPClient) Health(ctx context.Context, ready bool) (*handler.HealthResponse, error) {
	path := "/health"
	if ready {
		path = "/ready"
	}
	var res handler.HealthResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status calls GET /admin/v1/status.
func (c *HTTPClient) Status(ctx context.Context) (*handler.StatusResponse, error) {
	var res handler.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/admin/v1/status", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ingest calls POST /admin/v1/ingest.
func (c *HTTPClient) Ingest(ctx context.Context, tal string, mode service.Mode) (*handler.IngestResponse, error) {
	body := handler.IngestRequest{TAL: tal, Mode: string(mode)}
	var res handler.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/admin/v1/ingest", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Checkpoint calls POST /admin/v1/checkpoints.
func (c *HTTPClient) Checkpoint(ctx context.Context) (*snapshot.Info, error) {
	var res snapshot.Info
	if err := c.do(ctx, http.MethodPost, "/admin/v1/checkpoints", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SearchQuery encodes req as /search query parameters.
func SearchQuery(req *service.LookupRequest) url.Values {
	q := url.Values{}
	if req.Prefix.IsValid() {
		q.Set("prefix", req.Prefix.String())
		q.Set("match", req.Match.String())
	}
	if req.ASN != nil {
		q.Set("asn", strconv.FormatUint(uint64(*req.ASN), 10))
	}
	if req.TAL != "" {
		q.Set("tal", req.TAL)
	}
	if req.MaxLen != nil {
		q.Set("max_len", strconv.Itoa(*req.MaxLen))
	}
	if req.Date.IsSet() {
		q.Set("date", req.Date.String())
	}
	if req.Current != nil {
		q.Set("current", strconv.FormatBool(*req.Current))
	}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	return q
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, target any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.addHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return ParseResponse(resp, target)
}

// addHeaders adds authentication and common headers.
func (c *HTTPClient) addHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
}

// envelope mirrors handler.Response with a deferred data member.
type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Details   json.RawMessage `json:"details"`
}

// ParseResponse decodes an envelope and unmarshals its data into target.
// Error statuses yield an *APIError.
func ParseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	var env envelope
	decErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&env)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message, RequestID: env.RequestID}
		if decErr != nil || env.Code == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if len(env.Details) > 0 && string(env.Details) != "null" {
			var s string
			if json.Unmarshal(env.Details, &s) == nil {
				apiErr.Details = s
			} else {
				apiErr.Details = string(env.Details)
			}
		}
		return apiErr
	}

	if decErr != nil {
		return fmt.Errorf("parse response: %w", decErr)
	}
	if target != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return fmt.Errorf("parse response data: %w", err)
		}
	}
	return nil
}

// APIError is an error envelope returned by the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   string
	RequestID string
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Code != "" {
		fmt.Fprintf(&b, "[%s] ", e.Code)
	}
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(": " + e.Details)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

// Is matches domain errors by code.
func (e *APIError) Is(target error) bool {
	de, ok := target.(*domain.DomainError)
	return ok && e.Code != "" && de.Code == e.Code
}

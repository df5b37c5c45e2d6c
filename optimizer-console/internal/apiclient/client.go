package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
)

// Endpoint names one of the remote operations the client knows about.
type Endpoint string

const (
	EndpointOptimize     Endpoint = "optimize"
	EndpointPredict      Endpoint = "predict"
	EndpointListExamples Endpoint = "listExamples"
	EndpointGetStats     Endpoint = "getStats"
	EndpointHealthCheck  Endpoint = "healthCheck"
	EndpointUploadFile   Endpoint = "uploadFile"

	// EndpointUnknown labels calls naming an endpoint outside the route table.
	EndpointUnknown Endpoint = "unknown"
)

type route struct {
	method string
	path   string
}

var routes = map[Endpoint]route{
	EndpointOptimize:     {http.MethodPost, "/api/optimizar"},
	EndpointPredict:      {http.MethodPost, "/api/predecir"},
	EndpointListExamples: {http.MethodGet, "/api/ejemplos"},
	EndpointGetStats:     {http.MethodGet, "/api/estadisticas"},
	EndpointHealthCheck:  {http.MethodGet, "/health"},
	EndpointUploadFile:   {http.MethodPost, "/api/upload"},
}

const (
	DefaultTimeout = 30 * time.Second

	uploadField      = "file"
	maxDrainedErrors = 64 << 10
)

var ErrUnknownEndpoint = errors.New("unknown endpoint")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Client performs calls against the optimizer service. Every failure it returns is
// an *Error.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("optimizer base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Upload is the payload accepted by Call for EndpointUploadFile.
type Upload struct {
	Filename   string
	Body       io.Reader
	Size       int64
	OnProgress ProgressFunc
}

// Call issues the named operation with payload encoded as JSON. GET endpoints ignore
// the payload.
func (c *Client) Call(ctx context.Context, endpoint Endpoint, payload any) (models.Document, error) {
	rt, ok := routes[endpoint]
	if !ok {
		return nil, c.fail(EndpointUnknown, time.Now(), newError(KindUnknown, endpoint, 0, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)))
	}
	if endpoint == EndpointUploadFile {
		up, ok := payload.(Upload)
		if !ok {
			return nil, c.fail(endpoint, time.Now(), newError(KindInvalidInput, endpoint, 0, fmt.Errorf("upload payload must be apiclient.Upload, got %T", payload)))
		}
		return c.UploadFile(ctx, up.Filename, up.Body, up.Size, up.OnProgress)
	}

	start := time.Now()
	var body io.Reader
	if rt.method != http.MethodGet && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, c.fail(endpoint, start, newError(KindInvalidInput, endpoint, 0, fmt.Errorf("marshal request: %w", err)))
		}
		body = bytes.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, rt.method, c.baseURL+rt.path, body)
	if err != nil {
		return nil, c.fail(endpoint, start, newError(KindUnknown, endpoint, 0, fmt.Errorf("build request: %w", err)))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(endpoint, start, req)
}

func (c *Client) Optimize(ctx context.Context, input models.Document) (models.Document, error) {
	return c.Call(ctx, EndpointOptimize, input)
}

func (c *Client) Predict(ctx context.Context, input models.Document) (models.Document, error) {
	return c.Call(ctx, EndpointPredict, input)
}

// Examples returns the mapping from example name to configuration document.
func (c *Client) Examples(ctx context.Context) (models.Document, error) {
	return c.Call(ctx, EndpointListExamples, nil)
}

func (c *Client) Stats(ctx context.Context) (models.Document, error) {
	return c.Call(ctx, EndpointGetStats, nil)
}

// Health reports whether the service answered its health check.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Call(ctx, EndpointHealthCheck, nil)
	return err
}

// UploadFile streams r to the upload endpoint as a multipart form. onProgress, when
// set, receives non-decreasing fractions in [0,1] and is never invoked after
// UploadFile returns. With size <= 0 only the final 1 is reported.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader, size int64, onProgress ProgressFunc) (models.Document, error) {
	const endpoint = EndpointUploadFile
	start := time.Now()
	if r == nil {
		return nil, c.fail(endpoint, start, newError(KindInvalidInput, endpoint, 0, errors.New("upload body required")))
	}
	if filename == "" {
		filename = "upload"
	}

	tracker := newProgressTracker(size, onProgress)
	defer tracker.settle()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(uploadField, filename)
		if err == nil {
			_, err = io.Copy(part, tracker.wrap(r))
		}
		if err == nil {
			err = mw.Close()
		}
		if err == nil {
			tracker.complete()
		}
		pw.CloseWithError(err)
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+routes[endpoint].path, pr)
	if err != nil {
		return nil, c.fail(endpoint, start, newError(KindUnknown, endpoint, 0, fmt.Errorf("build request: %w", err)))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	doc, e := c.roundTrip(endpoint, req)
	if e != nil {
		// a broken source never reached the network, whatever the transport reports
		if srcErr := tracker.sourceErr(); srcErr != nil {
			e = newError(KindUnknown, endpoint, e.Status, fmt.Errorf("read upload body: %w", srcErr))
		}
		return nil, c.fail(endpoint, start, e)
	}
	c.metrics.observe(endpoint, "success", time.Since(start))
	return doc, nil
}

func (c *Client) do(endpoint Endpoint, start time.Time, req *http.Request) (models.Document, error) {
	doc, e := c.roundTrip(endpoint, req)
	if e != nil {
		return nil, c.fail(endpoint, start, e)
	}
	c.metrics.observe(endpoint, "success", time.Since(start))
	return doc, nil
}

func (c *Client) roundTrip(endpoint Endpoint, req *http.Request) (models.Document, *Error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newError(NormalizeTransport(err), endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainedErrors))
		return nil, newError(NormalizeStatus(resp.StatusCode), endpoint, resp.StatusCode,
			fmt.Errorf("optimizer returned %s", resp.Status))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(NormalizeTransport(err), endpoint, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	doc, err := decodeDocument(endpoint, raw)
	if err != nil {
		return nil, newError(KindUnknown, endpoint, resp.StatusCode, err)
	}
	return doc, nil
}

func decodeDocument(endpoint Endpoint, raw []byte) (models.Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return models.Document{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	switch t := v.(type) {
	case map[string]any:
		return models.Document(t), nil
	default:
		if endpoint == EndpointHealthCheck {
			return models.Document{"value": t}, nil
		}
		return nil, fmt.Errorf("decode response: expected object, got %T", v)
	}
}

// fail logs e and records it before handing it back to the caller.
func (c *Client) fail(endpoint Endpoint, start time.Time, e *Error) *Error {
	c.logger.Error("optimizer request failed",
		zap.String("op", "apiclient.Call"),
		zap.String("endpoint", string(e.Endpoint)),
		zap.String("kind", string(e.Kind)),
		zap.Int("status", e.Status),
		zap.Error(e.Err),
	)
	c.metrics.observe(endpoint, string(e.Kind), time.Since(start))
	return e
}

package apiclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/apiclient"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
)

func newClient(t *testing.T, baseURL string, opts ...func(*apiclient.Config)) *apiclient.Client {
	t.Helper()
	cfg := apiclient.Config{BaseURL: baseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := apiclient.New(cfg)
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := apiclient.New(apiclient.Config{})
	require.Error(t, err)
}

func TestCallRoutesEndpoints(t *testing.T) {
	type seen struct {
		method, path, contentType string
		body                      map[string]any
	}
	var (
		mu   sync.Mutex
		hits []seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, contentType: r.Header.Get("Content-Type")}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &s.body)
			}
		}
		mu.Lock()
		hits = append(hits, s)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/optimizar":
			w.Write([]byte(`{"wasted":1.2}`))
		case "/api/predecir":
			w.Write([]byte(`{"desperdicio_estimado":3.5}`))
		case "/api/ejemplos":
			w.Write([]byte(`{"ejemplo_papel":{"nombre":"paper"}}`))
		case "/api/estadisticas":
			w.Write([]byte(`{"optimizaciones_realizadas":5}`))
		case "/health":
			w.Write([]byte(`{"status":"healthy"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newClient(t, srv.URL+"/")
	ctx := context.Background()

	res, err := client.Optimize(ctx, models.Document{"config": map[string]any{"bins": 3}})
	require.NoError(t, err)
	assert.Equal(t, 1.2, res["wasted"])

	pred, err := client.Predict(ctx, models.Document{"piezas": []any{}})
	require.NoError(t, err)
	assert.Equal(t, 3.5, pred["desperdicio_estimado"])

	examples, err := client.Examples(ctx)
	require.NoError(t, err)
	assert.NotNil(t, examples.SubDocument("ejemplo_papel"))

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(5), stats["optimizaciones_realizadas"])

	require.NoError(t, client.Health(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 5)
	assert.Equal(t, http.MethodPost, hits[0].method)
	assert.Equal(t, "/api/optimizar", hits[0].path)
	assert.Equal(t, "application/json", hits[0].contentType)
	assert.Equal(t, map[string]any{"bins": float64(3)}, hits[0].body["config"])
	assert.Equal(t, "/api/predecir", hits[1].path)
	assert.Equal(t, http.MethodGet, hits[2].method)
	assert.Equal(t, "/api/ejemplos", hits[2].path)
	assert.Equal(t, "", hits[2].contentType)
	assert.Equal(t, "/api/estadisticas", hits[3].path)
	assert.Equal(t, "/health", hits[4].path)
}

func TestCallRejectsUnknownEndpoint(t *testing.T) {
	client := newClient(t, "http://optimizer")
	_, err := client.Call(context.Background(), apiclient.Endpoint("deleteEverything"), nil)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindUnknown, apiclient.KindOf(err))
	assert.ErrorIs(t, err, apiclient.ErrUnknownEndpoint)
}

func TestStatusFailuresAreNormalized(t *testing.T) {
	cases := []struct {
		status int
		kind   apiclient.Kind
	}{
		{http.StatusBadRequest, apiclient.KindInvalidInput},
		{http.StatusNotFound, apiclient.KindNotFound},
		{http.StatusInternalServerError, apiclient.KindServerFault},
		{http.StatusGatewayTimeout, apiclient.KindTimeout},
		{http.StatusTeapot, apiclient.KindUnknown},
		{http.StatusServiceUnavailable, apiclient.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"detail":"Error en optimización: division by zero"}`))
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Optimize(context.Background(), models.Document{})
			require.Error(t, err)

			var apiErr *apiclient.Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.kind, apiErr.Kind)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, apiclient.EndpointOptimize, apiErr.Endpoint)
			assert.Equal(t, tc.kind.Message(), err.Error())
			assert.NotContains(t, err.Error(), "division by zero")
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Stats(context.Background())
	require.Error(t, err)
	assert.Equal(t, apiclient.KindUnreachable, apiclient.KindOf(err))
}

func TestTimeoutIsNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, func(c *apiclient.Config) { c.Timeout = 50 * time.Millisecond })
	start := time.Now()
	_, err := client.Predict(context.Background(), models.Document{"x": 1})
	require.Error(t, err)
	assert.Equal(t, apiclient.KindTimeout, apiclient.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Optimize(context.Background(), models.Document{})
	require.Error(t, err)
	assert.Equal(t, apiclient.KindUnknown, apiclient.KindOf(err))
}

func TestEmptySuccessBody(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     make(http.Header),
		}, nil
	})
	client := newClient(t, "http://optimizer", func(c *apiclient.Config) {
		c.HTTPClient = &http.Client{Transport: transport}
	})
	doc, err := client.Optimize(context.Background(), models.Document{})
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, func(c *apiclient.Config) { c.Logger = zap.New(core) })
	_, err := client.Optimize(context.Background(), models.Document{})
	require.Error(t, err)

	entries := logs.FilterMessage("optimizer request failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "optimize", fields["endpoint"])
	assert.Equal(t, "server_fault", fields["kind"])
	assert.EqualValues(t, 500, fields["status"])
}

func TestUploadFileReportsProgress(t *testing.T) {
	content := strings.Repeat("0123456789", 10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		raw, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]any{"filename": header.Filename, "bytes": len(raw)})
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		progress []float64
	)
	onProgress := func(f float64) {
		mu.Lock()
		progress = append(progress, f)
		mu.Unlock()
	}

	doc, err := newClient(t, srv.URL).UploadFile(context.Background(), "pieces.csv", strings.NewReader(content), int64(len(content)), onProgress)
	require.NoError(t, err)
	assert.Equal(t, "pieces.csv", doc["filename"])
	assert.Equal(t, float64(len(content)), doc["bytes"])

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	for i, f := range progress {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, f, progress[i-1])
		}
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])
}

func TestUploadFileUnknownSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var progress []float64
	client := newClient(t, srv.URL)
	_, err := client.Call(context.Background(), apiclient.EndpointUploadFile, apiclient.Upload{
		Filename:   "a.json",
		Body:       strings.NewReader(`{"piezas":[]}`),
		OnProgress: func(f float64) { progress = append(progress, f) },
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, progress)
}

func TestUploadFileServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).UploadFile(context.Background(), "x.bin", strings.NewReader("abc"), 3, nil)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindInvalidInput, apiclient.KindOf(err))
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestUploadFileSourceFailureIsNotUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).UploadFile(context.Background(), "f.csv", brokenReader{}, 10, nil)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindUnknown, apiclient.KindOf(err))
	assert.Equal(t, apiclient.KindUnknown.Message(), err.Error())
}

func TestUploadPayloadMustBeUpload(t *testing.T) {
	_, err := newClient(t, "http://optimizer").Call(context.Background(), apiclient.EndpointUploadFile, models.Document{})
	require.Error(t, err)
	assert.Equal(t, apiclient.KindInvalidInput, apiclient.KindOf(err))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

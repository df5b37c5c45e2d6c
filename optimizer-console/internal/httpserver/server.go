package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/apiclient"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/store"
)

// Remote covers the optimizer calls the UI reaches without going through the store.
type Remote interface {
	Health(ctx context.Context) error
	UploadFile(ctx context.Context, filename string, r io.Reader, size int64, onProgress apiclient.ProgressFunc) (models.Document, error)
}

type Options struct {
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	RequestTimeout time.Duration
	MaxUploadSize  int64
}

const (
	defaultRequestTimeout = 35 * time.Second
	defaultMaxUploadSize  = 32 << 20
)

// Server exposes the orchestration store to a UI over HTTP.
type Server struct {
	store          *store.Store
	remote         Remote
	gatherer       prometheus.Gatherer
	logger         *zap.Logger
	requestTimeout time.Duration
	maxUploadSize  int64
}

func New(st *store.Store, remote Remote, opts Options) *Server {
	s := &Server{
		store:          st,
		remote:         remote,
		gatherer:       opts.Gatherer,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		maxUploadSize:  opts.MaxUploadSize,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = defaultMaxUploadSize
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/api/backend/health", s.handleBackendHealth)
		r.Get("/api/state", s.handleState)
		r.Post("/api/optimize", s.handleOptimize)
		r.Post("/api/predict", s.handlePredict)
		r.Get("/api/examples/{name}", s.handleExample)
		r.Get("/api/stats", s.handleStats)
		r.Post("/api/stats/refresh", s.handleRefreshStats)
		r.Post("/api/upload", s.handleUpload)

		r.Route("/api/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Post("/", s.handleSaveHistory)
			r.Delete("/", s.handleClearHistory)
			r.Get("/{id}", s.handleGetHistoryEntry)
			r.Delete("/{id}", s.handleDeleteHistoryEntry)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"time":  time.Now().UTC(),
		"state": s.store.State(),
	})
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.remote.Health(r.Context()); err != nil {
		respondAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var input models.Document
	if err := decodeJSON(r, &input); err != nil {
		s.rejectBody(w, "httpserver.handleOptimize", err)
		return
	}
	result, err := s.store.Optimize(r.Context(), input)
	if err != nil {
		respondAPIError(w, 0, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var input models.Document
	if err := decodeJSON(r, &input); err != nil {
		s.rejectBody(w, "httpserver.handlePredict", err)
		return
	}
	prediction, err := s.store.PredictWaste(r.Context(), input)
	if err != nil {
		respondAPIError(w, 0, err)
		return
	}
	respondJSON(w, http.StatusOK, prediction)
}

func (s *Server) handleExample(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	example, ok := s.store.LoadExample(r.Context(), name)
	if !ok {
		respondError(w, http.StatusNotFound, apiclient.KindNotFound, apiclient.KindNotFound.Message())
		return
	}
	respondJSON(w, http.StatusOK, example)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleRefreshStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.LoadStats(r.Context()))
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.store.History(),
		"total":   s.store.TotalOptimizations(),
	})
}

func (s *Server) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var result models.Document
	if err := decodeJSON(r, &result); err != nil {
		s.rejectBody(w, "httpserver.handleSaveHistory", err)
		return
	}
	if result == nil {
		respondError(w, http.StatusBadRequest, apiclient.KindInvalidInput, "result object required")
		return
	}
	respondJSON(w, http.StatusCreated, s.store.SaveToHistory(result))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.store.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entry, found := s.store.Entry(id)
	if !found {
		respondError(w, http.StatusNotFound, apiclient.KindNotFound, apiclient.KindNotFound.Message())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleDeleteHistoryEntry answers 204 whether or not the entry existed.
func (s *Server) handleDeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	s.store.DeleteFromHistory(id)
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, apiclient.KindInvalidInput, "invalid history id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, apiclient.KindInvalidInput, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	details, _ := json.Marshal(map[string]string{"filename": header.Filename})
	onProgress := func(fraction float64) {
		f := fraction
		s.store.Publish(models.Event{Type: models.EventUploadProgress, Progress: &f, Details: details})
	}
	doc, err := s.remote.UploadFile(r.Context(), header.Filename, file, header.Size, onProgress)
	if err != nil {
		respondAPIError(w, 0, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// handleEvents streams store events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, apiclient.KindUnknown, "streaming unsupported")
		return
	}
	events, cancel := s.store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event failed", zap.String("op", "httpserver.handleEvents"), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return err
	}
	return nil
}

// rejectBody answers an undecodable request body with the normalized message and
// keeps the decoder error for the log.
func (s *Server) rejectBody(w http.ResponseWriter, op string, err error) {
	s.logger.Debug("rejecting request body", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusBadRequest, apiclient.KindInvalidInput, apiclient.KindInvalidInput.Message())
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, kind apiclient.Kind, msg string) {
	respondJSON(w, status, map[string]string{"error": string(kind), "message": msg})
}

// respondAPIError writes a normalized client failure. status 0 derives the code
// from the failure kind.
func respondAPIError(w http.ResponseWriter, status int, err error) {
	kind := apiclient.KindOf(err)
	if status == 0 {
		status = statusForKind(kind)
	}
	respondError(w, status, kind, kind.Message())
}

func statusForKind(kind apiclient.Kind) int {
	switch kind {
	case apiclient.KindInvalidInput:
		return http.StatusBadRequest
	case apiclient.KindNotFound:
		return http.StatusNotFound
	case apiclient.KindTimeout:
		return http.StatusGatewayTimeout
	case apiclient.KindUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

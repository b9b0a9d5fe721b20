// Package server exposes the extraction pipeline over HTTP and pushes job
// updates to websocket clients.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jupark12/worksheet-extractor/document"
	"github.com/jupark12/worksheet-extractor/models"
	"github.com/jupark12/worksheet-extractor/pipeline"
)

const (
	defaultMaxUploadBytes = 10 << 20
	slowRequestThreshold  = 500 * time.Millisecond
	uploadField           = "pdfFile"
)

// Config holds HTTP-level settings.
type Config struct {
	MaxUploadBytes int64
}

// Server handles HTTP requests for job management
type Server struct {
	pipeline  *pipeline.Pipeline
	hub       *Hub
	logger    *slog.Logger
	maxUpload int64
	upgrader  websocket.Upgrader
	router    chi.Router
}

// NewServer creates a new server instance
func NewServer(p *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		pipeline:  p,
		hub:       NewHub(logger),
		logger:    logger,
		maxUpload: cfg.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

// Start runs the websocket hub and subscribes it to pipeline updates.
func (s *Server) Start(ctx context.Context) {
	s.hub.Start(ctx)
	s.pipeline.SetNotifier(s.hub.BroadcastJobUpdate)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleRemove)
			r.Get("/questions", s.handleQuestions)
			r.Post("/cancel", s.handleCancel)
		})
	})
	r.Post("/documents/metadata", s.handleMetadata)
	r.Get("/ws", s.handleWebSocket)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs every request with its status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			s.logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold:
			s.logger.Warn("slow request", attrs...)
		default:
			s.logger.Debug("request", attrs...)
		}
	})
}

type submitRequest struct {
	SourceName string `json:"source_name"`
	TotalPages int    `json:"total_pages"`
}

// handleSubmit accepts either a multipart PDF upload or a JSON body naming a
// document and its page count.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var doc pipeline.Document

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		name, content, contentType, err := s.readUpload(w, r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		doc = pipeline.Document{Name: name, Content: content, ContentType: contentType}
	} else {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload)).Decode(&req); err != nil {
			s.writeError(w, &models.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
			return
		}
		doc = pipeline.Document{Name: req.SourceName, TotalPages: req.TotalPages}
	}

	job, err := s.pipeline.Submit(r.Context(), doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := models.ParseJobStatus(raw)
		if !ok {
			s.writeError(w, &models.ValidationError{Field: "status", Reason: "unknown status " + raw})
			return
		}
		status = parsed
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.List(status))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.pipeline.Questions(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, questions)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Remove(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	name, content, contentType, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	meta, err := document.Inspect(bytes.NewReader(content), int64(len(content)), contentType)
	if err != nil {
		s.writeError(w, &models.ValidationError{Field: uploadField, Reason: err.Error()})
		return
	}
	if meta.Title == "" {
		meta.Title = document.TitleFromName(name)
	}
	s.writeJSON(w, http.StatusOK, meta)
}

// handleWebSocket streams initial_jobs followed by job_update messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}
	s.hub.serve(r.Context(), conn, s.pipeline.List(""))
}

// readUpload reads the pdfFile part of a multipart form into memory.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (name string, content []byte, contentType string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return "", nil, "", &models.ValidationError{Field: uploadField, Reason: "invalid upload: " + err.Error()}
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return "", nil, "", &models.ValidationError{Field: uploadField, Reason: "missing PDF file"}
	}
	defer file.Close()

	content, err = io.ReadAll(file)
	if err != nil {
		return "", nil, "", &models.ValidationError{Field: uploadField, Reason: "failed to read upload: " + err.Error()}
	}
	return header.Filename, content, header.Header.Get("Content-Type"), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		data, _ = json.Marshal(map[string]string{"error": "failed to encode response"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// writeError maps pipeline errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrCapacity):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

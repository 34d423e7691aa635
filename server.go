package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"

	"github.com/richardartoul/filecache/backends"
	"github.com/richardartoul/filecache/pkg/metrics"
	"github.com/richardartoul/filecache/pkg/storage"
)

// uploadField is the multipart form field carrying the uploaded file.
const uploadField = "file"

// StagedResponse is the body returned by a successful upload.
type StagedResponse struct {
	Path string `json:"path"`
}

// ErrorResponse is the body returned by a failed request.
type ErrorResponse struct {
	Err string `json:"error"`
}

// Server serves cached copies from the backend and accepts uploads into the
// staging area.
type Server struct {
	gateway       *storage.Gateway
	allowedTypes  []string
	maxUploadSize int64
	logger        *slog.Logger
	router        *mux.Router
}

// NewServer creates a Server and registers its routes. A nil allowedTypes
// accepts any declared type.
func NewServer(gateway *storage.Gateway, allowedTypes []string, maxUploadSize int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gateway:       gateway,
		allowedTypes:  allowedTypes,
		maxUploadSize: maxUploadSize,
		logger:        logger.With("component", "http"),
		router:        mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	codec := s.gateway.Codec()

	// Match on the escaped path so an encoded filename stays one segment.
	s.router.UseEncodedPath()
	s.router.Use(s.logRequests)

	s.router.HandleFunc(codec.MountPrefix+codec.PublicRoot+"/{id}/{name}", s.handleServe).
		Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc(codec.MountPrefix+codec.StagingRoot, s.handleUpload).
		Methods(http.MethodPost)
	s.router.HandleFunc("/_stats", s.handleStats).
		Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleServe regenerates the cached copy of a public path from the backend
// and returns its content. With ?d=1 the response is a forced download.
func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	publicPath := r.URL.EscapedPath()

	content, err := s.gateway.Ensure(r.Context(), publicPath)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	filename, err := s.gateway.Codec().Filename(publicPath)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}

	h := w.Header()
	if r.URL.Query().Get("d") == "1" {
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Cache-Control", "must-revalidate")
		h.Set("Expires", "0")
		h.Set("Pragma", "public")
	} else {
		h.Set("Content-Type", contentType(filename, content))
	}
	h.Set("Content-Length", strconv.Itoa(len(content)))

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content); err != nil {
		s.logger.DebugContext(r.Context(), "failed to write response", "path", publicPath, "error", err)
	}
}

// handleUpload stages the multipart file field of the request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("missing %q field: %w", uploadField, err))
		return
	}
	defer file.Close()

	stagingPath, err := s.gateway.Stage(r.Context(), storage.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	}, s.allowedTypes)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusCreated, StagedResponse{Path: stagingPath})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, metrics.Format(s.gateway.Stats()))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.EscapedPath(),
			"error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Err: http.StatusText(status)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.EscapedPath(),
			"status", sw.status,
			"duration", time.Since(start))
	})
}

// statusFor maps storage errors to HTTP status codes. Malformed and foreign
// paths are indistinguishable from missing content to a client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrMalformedPath),
		errors.Is(err, storage.ErrNotPublic),
		errors.Is(err, backends.ErrInvalidContentID):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrRejected):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// contentType picks the response type from the filename extension, falling
// back to sniffing the content.
func contentType(filename string, content []byte) string {
	if t := mime.TypeByExtension(path.Ext(filename)); t != "" {
		return t
	}
	return mimetype.Detect(content).String()
}

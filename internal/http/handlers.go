package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"pyramidview/internal/config"
	"pyramidview/internal/controller"
	"pyramidview/internal/image_list"
	"pyramidview/internal/viewer"
)

// Session is the request/response view of the controller.
type Session interface {
	Load(ctx context.Context, path string) (viewer.LoadResult, error)
	Layer(ctx context.Context, index int) (viewer.LayerResult, error)
}

// Catalog answers read-only questions about the pyramid cache.
type Catalog interface {
	Images(ctx context.Context) ([]controller.ImageSummary, error)
	Current(ctx context.Context) (controller.CurrentState, error)
}

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	scanner *image_list.Scanner
	session Session
	catalog Catalog
}

func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, session Session, catalog Catalog) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		scanner: scanner,
		session: session,
		catalog: catalog,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/load", h.HandleLoad)
	mux.HandleFunc("/api/layer", h.HandleLayer)
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/current", h.HandleCurrent)
	mux.HandleFunc("/api/files", h.HandleFiles)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type loadRequest struct {
	Path string `json:"path"`
}

type layerRequest struct {
	Index *int `json:"index"`
}

func (h *Handlers) HandleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	path, err := h.scanner.Resolve(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.session.Load(r.Context(), path)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, result)
}

func (h *Handlers) HandleLayer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req layerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil {
		http.Error(w, "Body must be {\"index\": n}", http.StatusBadRequest)
		return
	}

	result, err := h.session.Layer(r.Context(), *req.Index)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, result)
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	images, err := h.catalog.Images(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, images)
}

func (h *Handlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	current, err := h.catalog.Current(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, current)
}

func (h *Handlers) HandleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Query().Get("rescan") == "1" {
		if err := h.scanner.Scan(); err != nil {
			h.logger.Warn("Rescan failed", zap.Error(err))
		}
	}

	writeJSON(w, h.scanner.GetImages())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) writeSessionError(w http.ResponseWriter, err error) {
	if errors.GetCode(err) == errors.CodeTimeout || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn("Request timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}

	h.logger.Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err)
}

// writeError sends err as a coded JSON body without its wrapped chain.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errors.ToJSON(err))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

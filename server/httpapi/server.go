// Package httpapi exposes expression evaluation, filtering and folder
// search over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/health"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/server/delivery"
)

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	maxBodySize  int64
	deliverer    *delivery.Deliverer
	health       *health.Monitor
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

type Option func(*Server)

// WithHealth reports the monitor's component statuses on /health.
func WithHealth(hm *health.Monitor) Option {
	return func(s *Server) { s.health = hm }
}

// New creates a new HTTP API server
func New(dl *delivery.Deliverer, cfg config.HTTPAPIConfig, opts ...Option) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if cfg.TLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	maxBody, err := cfg.GetMaxBodySize()
	if err != nil {
		return nil, fmt.Errorf("invalid max body size: %w", err)
	}

	s := &Server{
		addr:         cfg.Addr,
		apiKey:       cfg.APIKey,
		allowedHosts: cfg.AllowedHosts,
		maxBodySize:  maxBody,
		deliverer:    dl,
		tls:          cfg.TLS,
		tlsCertFile:  cfg.TLSCertFile,
		tlsKeyFile:   cfg.TLSKeyFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the server until ctx is cancelled, reporting failures on
// errChan.
func Start(ctx context.Context, dl *delivery.Deliverer, cfg config.HTTPAPIConfig, errChan chan error, opts ...Option) {
	server, err := New(dl, cfg, opts...)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if cfg.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", cfg.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/evaluate", s.handleEvaluate).Methods("POST")
	v1.HandleFunc("/filter", s.handleFilter).Methods("POST")
	v1.HandleFunc("/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/folders", s.handleListFolders).Methods("GET")
	v1.HandleFunc("/folders/{folder:.+}/search", s.handleSearch).Methods("GET")
	v1.HandleFunc("/folders/{folder:.+}/refilter", s.handleRefilter).Methods("POST")
	v1.HandleFunc("/folders/{folder:.+}/expunge", s.handleExpunge).Methods("POST")
	v1.HandleFunc("/messages", s.handleDeliver).Methods("POST")
	v1.HandleFunc("/messages/{uid}", s.handleGetMessage).Methods("GET")
	v1.HandleFunc("/messages/{uid}/runs", s.handleListRuns).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store and filter errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrMessageExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, consts.ErrMalformedMessage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("HTTP API: request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// readBody reads a request body bounded by the configured size.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.deliverer.Store() == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No message store configured")
		return false
	}
	return true
}

// Package webhook exposes the relay's inbound HTTP surface: the event
// endpoint, a health probe, and the metrics endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/pipeline"
)

const maxBodyBytes = 1 << 20 // 1MB max

// Config configures the webhook server.
type Config struct {
	Port      int
	Path      string  // event URL path (default: /webhook)
	Secret    string  // HMAC secret for verifying signatures; empty disables verification
	RateLimit float64 // requests per second per remote address; 0 disables limiting
	RateBurst int
	Logger    *slog.Logger
}

// Server accepts webhook deliveries and runs them through the pipeline.
type Server struct {
	port      int
	path      string
	secret    string
	pipeline  *pipeline.Pipeline
	logger    *slog.Logger
	server    *http.Server
	rateLimit float64
	rateBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(cfg Config, p *pipeline.Pipeline) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return &Server{
		port:      cfg.Port,
		path:      cfg.Path,
		secret:    cfg.Secret,
		pipeline:  p,
		logger:    cfg.Logger,
		rateLimit: cfg.RateLimit,
		rateBurst: cfg.RateBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleEvent)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", metrics.Collector.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "port", s.port, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (s *Server) handleEvent(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.allow(r) {
		http.Error(rw, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	metrics.InflightRequests.Inc()
	defer metrics.InflightRequests.Dec()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, s.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	event, err := pipeline.Normalize(body)
	if err != nil {
		s.logger.Warn("rejecting malformed payload", "err", err)
		writeEnvelope(rw, http.StatusBadRequest, domain.Envelope{Error: "invalid payload"})
		return
	}

	env := s.pipeline.Handle(r.Context(), event)

	status := http.StatusOK
	switch {
	case env.Success:
		status = http.StatusOK
	case env.Invalid:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeEnvelope(rw, status, env)
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

// allow applies a per-remote token bucket. Limiters are keyed by host so
// one noisy sender cannot starve the rest.
func (s *Server) allow(r *http.Request) bool {
	if s.rateLimit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.mu.Lock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.rateLimit), s.rateBurst)
		s.limiters[host] = lim
	}
	s.mu.Unlock()

	return lim.Allow()
}

func writeEnvelope(rw http.ResponseWriter, status int, env domain.Envelope) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(env)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/telemetry"
)

type Server struct {
	usage      UsageLister
	rules      RuleLister
	listenAddr string
	logger     *zap.Logger
}

// NewServer creates a status server. rules may be nil when no ignore rules
// are configured.
func NewServer(usage UsageLister, rules RuleLister, listenAddr string, logger *zap.Logger) *Server {
	return &Server{
		usage:      usage,
		rules:      rules,
		listenAddr: listenAddr,
		logger:     logger,
	}
}

// Handler returns the router for every status endpoint
func (s *Server) Handler() http.Handler {
	logged := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", logged(s.handleHealth))
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/api/usage", logged(s.handleUsage))
	if s.rules != nil {
		mux.HandleFunc("/api/rules", logged(s.handleRules))
	}
	return mux
}

// Start serves until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting status server", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// handleUsage returns every accumulated usage row
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := s.usage.ListUsage(r.Context())
	if err != nil {
		s.logger.Error("failed to list usage", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rows := make([]UsageRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, UsageRow{
			UsageRecord: rec,
			Duration:    time.Duration(rec.NanosecondsSpent).String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.rules.Rules())
}

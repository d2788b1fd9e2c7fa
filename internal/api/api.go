// Package api provides the HTTP REST API server.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/api/alerts"
	"github.com/good-yellow-bee/blazealert/internal/api/auth"
	"github.com/good-yellow-bee/blazealert/internal/api/health"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address             string
	JWTSecret           []byte
	TLSEnabled          bool
	TLSCertFile         string
	TLSKeyFile          string
	AccessTokenTTL      time.Duration
	RateLimitPerSubject int           // requests per minute
	QueryTimeout        time.Duration // bound on every /api/v1 request
	Verbose             bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RateLimitPerSubject == 0 {
		c.RateLimitPerSubject = 300
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	service       alerts.Service
	dispatcher    alerts.Dispatcher
	jwt           *auth.JWTService
	logger        *zap.Logger
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server. dispatcher may be nil, which disables
// escalation dispatch through the API.
func New(cfg *Config, service alerts.Service, dispatcher alerts.Dispatcher, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if service == nil {
		return nil, fmt.Errorf("alert service is required")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("JWT secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		service:       service,
		dispatcher:    dispatcher,
		jwt:           auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL),
		logger:        logger.Named("api"),
		healthHandler: health.NewHandler(),
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.QueryTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLSEnabled {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP API listening", zap.String("address", s.config.Address), zap.Bool("tls", s.config.TLSEnabled))
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a health checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	if s.healthHandler != nil {
		s.healthHandler.RegisterChecker(c)
	}
}

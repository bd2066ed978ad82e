// Package web serves the attendance HTTP API.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/config"
	"github.com/kozaktomas/smart-attendance/internal/web/middleware"
)

// Server is the API server around one attendance service.
type Server struct {
	config     *config.Config
	service    *attendance.Service
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates the server and its routes. Nothing listens until Start.
func NewServer(cfg *config.Config, svc *attendance.Service, port int, host string) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:  cfg,
		service: svc,
		router:  r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	// Event streams watch the request context; cancel it on shutdown so
	// they end instead of holding Shutdown until its deadline.
	baseCtx, cancelStreams := context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // Enrollment uploads carry several photos
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: session event streams stay open for the whole session.
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	s.httpServer.RegisterOnShutdown(cancelStreams)

	return s
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	auth := "disabled"
	if s.config.Auth.JWTKey != "" {
		auth = "bearer JWT"
	}
	log.Printf("Starting API server on %s (auth: %s)", s.httpServer.Addr, auth)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

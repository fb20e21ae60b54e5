// Package httpapi is the HTTP shell over the device hub: JSON device and scan
// endpoints, an SSE event stream and a WebSocket event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/events"
)

const shutdownTimeout = 5 * time.Second

// Service is the device surface the shell serves. *hub.Hub implements it.
type Service interface {
	ListDevices() []*device.Device
	Connect(ctx context.Context, id string) (*device.Device, error)
	Disconnect(ctx context.Context, id string) (*device.Device, error)
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	ScanningActive() bool
	Subscribe() *events.Subscription
	Snapshot() events.Event
}

// Server serves the HTTP shell
type Server struct {
	svc    Service
	logger *logrus.Logger
	router chi.Router

	// KeepAlive is the SSE comment and WebSocket ping period
	KeepAlive time.Duration
}

// New builds the router. A nil logger falls back to logrus.New().
func New(svc Service, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{svc: svc, logger: logger, KeepAlive: 15 * time.Second}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/devices", s.handleListDevices)
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
	})

	r.Route("/scan", func(r chi.Router) {
		r.Get("/", s.handleScanStatus)
		r.Post("/start", s.handleScanStart)
		r.Post("/stop", s.handleScanStop)
	})

	r.Get("/events", s.handleSSE)
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP shell listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("HTTP shell stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

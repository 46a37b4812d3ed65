package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultAddr           = ":8080"
	DefaultBasePath       = "/deviceio"
	DefaultMaxPollTimeout = 60 * time.Second
	DefaultMaxObservers   = 16
	DefaultInstanceName   = "deviceio-emulator"

	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Addr           string         // Optional (defaults to ":8080")
	BasePath       string         // Optional (defaults to "/deviceio")
	AutoProvision  bool           // Accept proxies that were never provisioned
	MaxPollTimeout time.Duration  // Optional (defaults to 60s)
	MaxObservers   int            // Optional (defaults to 16)
	Advertise      bool           // Advertise the emulator over mDNS
	InstanceName   string         // Optional mDNS instance name
	Registry       *ProxyRegistry // Optional (defaults to new ProxyRegistry if nil)
	Broker         *Broker        // Optional (defaults to new Broker if nil)
}

// Server emulates the deviceio cloud service for local gateways.
type Server struct {
	opts       Options
	registry   *ProxyRegistry
	broker     *Broker
	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	opts.BasePath = normalizeBasePath(opts.BasePath)
	if opts.MaxPollTimeout <= 0 {
		opts.MaxPollTimeout = DefaultMaxPollTimeout
	}
	if opts.MaxObservers <= 0 {
		opts.MaxObservers = DefaultMaxObservers
	}
	if opts.InstanceName == "" {
		opts.InstanceName = DefaultInstanceName
	}
	if opts.Registry == nil {
		opts.Registry = NewProxyRegistry()
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	return &Server{opts: opts, registry: opts.Registry, broker: opts.Broker}
}

func normalizeBasePath(p string) string {
	if p == "" {
		p = DefaultBasePath
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func (s *Server) Registry() *ProxyRegistry { return s.registry }

func (s *Server) Broker() *Broker { return s.broker }

func (s *Server) BasePath() string { return s.opts.BasePath }

// Routes returns the complete HTTP surface of the emulator.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	api := func(r chi.Router) {
		r.Post("/mljson", s.handlePostEnvelope)
		r.Get("/mljson", s.handlePoll)
		r.Get("/watch", s.handleWatch)
	}
	if s.opts.BasePath == "" {
		r.Group(api)
	} else {
		r.Route(s.opts.BasePath, api)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Get("/proxies", s.handleListProxies)
		r.Post("/proxies", s.handleProvisionProxy)
		r.Get("/proxies/{id}", s.handleGetProxy)
		r.Get("/proxies/{id}/commands", s.handleListCommands)
		r.Post("/proxies/{id}/commands", s.handleQueueCommand)
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Start serves until ctx is cancelled. Long-polls in flight are released
// when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	slog.Info("Starting deviceio emulator", "addr", ln.Addr().String(), "base_path", s.opts.BasePath)

	if s.opts.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := Advertise(s.opts.InstanceName, port, s.opts.BasePath)
		if err != nil {
			slog.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down deviceio emulator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.httpServer.Close()
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

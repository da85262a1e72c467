// Package server runs a service's main listener next to its admin listener.
// The main listener speaks HTTP/1.1 and h2c, optionally TLS with HTTP/3; the
// admin side exposes probes, Prometheus metrics and an optional gRPC health
// service.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/observability"
)

// NewRegistry returns a registry carrying the process and Go runtime
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Options describes one service process.
type Options struct {
	Name     string // service name for logs, traces and gRPC health
	Version  string
	Server   config.ServerConfig
	Admin    config.AdminConfig
	Tracing  config.TracingConfig
	Handler  http.Handler
	Health   *observability.HealthChecker
	Registry *prometheus.Registry
	Logger   *slog.Logger

	// Closers run after the listeners have drained, in order.
	Closers []func() error
}

// Server owns the listeners of one service.
type Server struct {
	opts Options

	mainServer  *http.Server
	http3Server *http3.Server
	adminServer *http.Server
	grpcServer  *grpc.Server
	grpcHealth  *health.Server

	certs *certHolder

	mu        sync.Mutex
	mainAddr  net.Addr
	adminAddr net.Addr
	grpcAddr  net.Addr

	tracingShutdown func(context.Context) error
	shutdownOnce    sync.Once
}

// New builds the servers without binding any port.
func New(opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if opts.Health == nil {
		opts.Health = observability.NewHealthChecker()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{opts: opts}
	var err error
	if s.mainServer, s.http3Server, err = buildMainServer(opts.Server, opts.Handler, opts.Logger); err != nil {
		return nil, err
	}
	if s.adminServer, err = buildAdminServer(opts.Admin, opts.Health, opts.Registry); err != nil {
		return nil, err
	}
	if opts.Admin.GRPCAddress != "" {
		s.grpcHealth = health.NewServer()
		s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcHealth.SetServingStatus(opts.Name, healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	}
	return s, nil
}

func buildMainServer(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server, error) {
	readTimeout, err := config.ParseDuration(cfg.ReadTimeout, 30*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("server read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("server write_timeout: %w", err)
	}
	idleTimeout, err := config.ParseDuration(cfg.IdleTimeout, 120*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("server idle_timeout: %w", err)
	}

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.TLS.Enabled && cfg.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}
		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}, h3srv, nil
}

func buildAdminServer(cfg config.AdminConfig, hc *observability.HealthChecker, reg *prometheus.Registry) (*http.Server, error) {
	readTimeout, err := config.ParseDuration(cfg.ReadTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("admin read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.WriteTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("admin write_timeout: %w", err)
	}
	idleTimeout, err := config.ParseDuration(cfg.IdleTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("admin idle_timeout: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /startz", hc.StartzHandler())
	mux.Handle("GET /healthz", hc.HealthzHandler())
	mux.Handle("GET /readyz", hc.ReadyzHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}, nil
}

// certHolder serves the current certificate and swaps it on rotation.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(v config.TLSVersion) uint16 {
	if v == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run binds every listener, marks the service ready and blocks until ctx is
// canceled or a listener fails. It then drains and runs the closers.
func (s *Server) Run(ctx context.Context) error {
	log := s.opts.Logger

	tracingShutdown, err := observability.InitTracing(ctx, s.opts.Tracing, s.opts.Name, s.opts.Version)
	if err != nil {
		log.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	mainLn, err := s.listenMain()
	if err != nil {
		_ = s.shutdown()
		return err
	}
	adminLn, err := net.Listen("tcp", s.opts.Admin.Address)
	if err != nil {
		_ = mainLn.Close()
		_ = s.shutdown()
		return fmt.Errorf("admin server listen: %w", err)
	}

	var grpcLn net.Listener
	if s.grpcServer != nil {
		if grpcLn, err = net.Listen("tcp", s.opts.Admin.GRPCAddress); err != nil {
			_ = mainLn.Close()
			_ = adminLn.Close()
			_ = s.shutdown()
			return fmt.Errorf("grpc health listen: %w", err)
		}
	}

	s.mu.Lock()
	s.mainAddr = mainLn.Addr()
	s.adminAddr = adminLn.Addr()
	if grpcLn != nil {
		s.grpcAddr = grpcLn.Addr()
	}
	s.mu.Unlock()

	errCh := make(chan error, 4)
	go serve(errCh, "admin server", func() error { return s.adminServer.Serve(adminLn) })
	go serve(errCh, s.opts.Name+" server", func() error { return s.mainServer.Serve(mainLn) })
	if s.http3Server != nil {
		go serve(errCh, "HTTP/3 server", s.http3Server.ListenAndServe)
	}
	if grpcLn != nil {
		go serve(errCh, "grpc health server", func() error { return s.grpcServer.Serve(grpcLn) })
	}

	s.opts.Health.SetStarted()
	s.opts.Health.SetReady()
	s.setGRPCStatus(healthpb.HealthCheckResponse_SERVING)
	log.Info(s.opts.Name+" is ready",
		"version", s.opts.Version,
		"address", mainLn.Addr().String(),
		"admin", adminLn.Addr().String(),
		"tls", s.opts.Server.TLS.Enabled,
		"http3", s.http3Server != nil)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}
	return s.shutdown()
}

func (s *Server) listenMain() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.opts.Server.Address)
	if err != nil {
		return nil, fmt.Errorf("%s server listen: %w", s.opts.Name, err)
	}
	tlsCfg := s.opts.Server.TLS
	if !tlsCfg.Enabled {
		return ln, nil
	}

	ch, err := newCertHolder(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.certs = ch
	conf := &tls.Config{
		MinVersion:     tlsMinVersion(tlsCfg.MinVersion),
		GetCertificate: ch.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
	s.mainServer.TLSConfig = conf
	if s.http3Server != nil {
		s.http3Server.TLSConfig = http3.ConfigureTLSConfig(conf)
	}
	return tls.NewListener(ln, conf), nil
}

func serve(errCh chan<- error, name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

// MainAddr returns the bound main listener address, or nil before Run binds.
func (s *Server) MainAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainAddr
}

// AdminAddr returns the bound admin listener address, or nil before Run binds.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// GRPCAddr returns the bound gRPC health address, or nil when disabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// ReloadCerts swaps the TLS certificate without dropping connections.
func (s *Server) ReloadCerts(certFile, keyFile string) error {
	if s.certs == nil {
		return errors.New("TLS is not enabled")
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		return err
	}
	s.opts.Logger.Info("TLS certificates reloaded", "cert", certFile)
	return nil
}

func (s *Server) setGRPCStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	if s.grpcHealth == nil {
		return
	}
	s.grpcHealth.SetServingStatus("", st)
	s.grpcHealth.SetServingStatus(s.opts.Name, st)
}

func (s *Server) shutdown() error {
	var errs []error
	s.shutdownOnce.Do(func() {
		log := s.opts.Logger
		s.opts.Health.SetNotReady()
		s.setGRPCStatus(healthpb.HealthCheckResponse_NOT_SERVING)

		drain, _ := config.ParseDuration(s.opts.Server.DrainTimeout, 30*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()

		if s.http3Server != nil {
			if err := s.http3Server.Shutdown(ctx); err != nil {
				log.Error("HTTP/3 server shutdown error", "error", err)
			}
		}
		if err := s.mainServer.Shutdown(ctx); err != nil {
			log.Error("main server shutdown error", "error", err)
			errs = append(errs, err)
		}
		if err := s.adminServer.Shutdown(ctx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}

		for _, c := range s.opts.Closers {
			if err := c(); err != nil {
				log.Error("close error", "error", err)
				errs = append(errs, err)
			}
		}
		if s.tracingShutdown != nil {
			if err := s.tracingShutdown(ctx); err != nil {
				log.Error("tracing shutdown error", "error", err)
			}
		}
		log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vrpc/builtin"
	"vrpc/config"
	"vrpc/discovery"
	"vrpc/logging"
	"vrpc/middleware"
	"vrpc/registry"
	"vrpc/server"
	"vrpc/transport"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	config     string
	listen     string
	httpListen string
	codec      string
	logLevel   string
	etcd       []string
	service    string
	advertise  string
	dev        bool
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a vrpc peer",
		Long: `Run a vrpc peer answering the demo methods (echo, render_frame, methods).

Framed TCP links are accepted on --listen; websocket links and Prometheus
metrics are served over HTTP on --http. With --etcd the peer registers
itself under --service until it shuts down.

Examples:
  vrpcd serve
  vrpcd serve --config /etc/vrpc.json
  vrpcd serve --listen :9000 --etcd 127.0.0.1:2379 --advertise 10.0.0.5:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "Config file (default ./vrpc.json if present)")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "Framed TCP listen address, \"off\" to disable")
	cmd.Flags().StringVar(&f.httpListen, "http", "", "HTTP listen address for websocket and metrics")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Codec for server-initiated envelopes: msgpack or json")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringSliceVar(&f.etcd, "etcd", nil, "etcd endpoints for service registration")
	cmd.Flags().StringVar(&f.service, "service", "", "Service name to register under")
	cmd.Flags().StringVar(&f.advertise, "advertise", "", "Routable address to register")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Human-readable development logging")
	return cmd
}

// loadConfig reads the config file, then applies command-line overrides.
func loadConfig(cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.config != "" {
		cfg, err = config.LoadFile(f.config)
	} else {
		cfg, err = config.Load(".")
		if errors.Is(err, config.ErrNotFound) {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if flags.Changed("http") {
		cfg.Server.HTTPListen = f.httpListen
	}
	if flags.Changed("codec") {
		cfg.Server.Codec = f.codec
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("etcd") {
		cfg.Discovery.Endpoints = f.etcd
	}
	if flags.Changed("service") {
		cfg.Discovery.Service = f.service
	}
	if flags.Changed("advertise") {
		cfg.Discovery.Advertise = f.advertise
	}
	if f.dev {
		cfg.Log.Development = true
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	types := registry.New(registry.WithLogger(log))
	if err := builtin.Register(types); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := middleware.NewMetrics(middleware.WithRegistry(promReg))

	opts := []server.Option{
		server.WithLogger(log),
		server.WithTypeRegistry(types),
		server.WithConnOptions(
			transport.WithCodec(cfg.CodecType()),
			transport.WithHeartbeat(cfg.Heartbeat()),
			transport.WithIdleTimeout(cfg.IdleTimeout()),
			transport.WithCallTimeout(cfg.CallTimeout()),
		),
		// The demo page may be served from anywhere
		server.WithCheckOrigin(func(*http.Request) bool { return true }),
	}
	if len(cfg.Discovery.Endpoints) > 0 {
		dir, err := discovery.NewEtcdDirectory(cfg.Discovery.Endpoints, log)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer dir.Close()
		peer := discovery.Peer{
			Addr:    cfg.Discovery.Advertise,
			Weight:  cfg.Discovery.Weight,
			Version: version,
			Codec:   cfg.Server.Codec,
		}
		opts = append(opts, server.WithDirectory(dir, cfg.Discovery.Service, peer, cfg.LeaseTTL()))
	}

	srv := server.NewServer(opts...)
	srv.Use(
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(metrics),
		middleware.TracingMiddleware(middleware.WithSpanKind(trace.SpanKindServer)),
	)
	if cfg.RPC.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	srv.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout()))
	registerDemo(srv, log)

	router := chi.NewRouter()
	router.Use(chimw.RealIP, chimw.Recoverer)
	router.Handle(cfg.Server.WSPath, srv)
	router.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": version,
			"links":   srv.Conns(),
			"methods": srv.Methods(),
		})
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPListen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.Server.HTTPListen), zap.String("ws", cfg.Server.WSPath))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.Server.Listen != "" && cfg.Server.Listen != "off" {
		go func() {
			log.Info("tcp listening", zap.String("addr", cfg.Server.Listen))
			if err := srv.ListenAndServe("tcp", cfg.Server.Listen); err != nil {
				errCh <- fmt.Errorf("tcp: %w", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("listener failed", zap.Error(runErr))
	}

	// The RPC server first: hijacked websocket links are not closed by http.Server
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		log.Warn("rpc shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

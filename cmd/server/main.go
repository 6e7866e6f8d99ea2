package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sleepstars/unigate/internal/catalog"
	"github.com/sleepstars/unigate/internal/clients"
	"github.com/sleepstars/unigate/internal/config"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/metrics"
	"github.com/sleepstars/unigate/internal/modelbridge"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/orchestrator"
	"github.com/sleepstars/unigate/internal/selector"
	"github.com/sleepstars/unigate/internal/server"
	"github.com/sleepstars/unigate/internal/tracer"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional YAML configuration file")
	port := flag.Int("port", 0, "Listen port, overrides configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal(err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg := logger.Configure(os.Stdout, logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		lg.WithError(err).Fatal("failed to set up tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	transport := clients.NewTransport(clients.PoolConfig{
		MaxConnsPerHost: cfg.HTTP.MaxConnsPerHost,
		MaxIdleConns:    cfg.HTTP.MaxIdleConns,
		IdleConnTimeout: cfg.HTTP.IdleConnTimeout,
		DialTimeout:     cfg.HTTP.DialTimeout,
	})
	defer transport.CloseIdleConnections()

	local := clients.NewLocalClient(clients.ModelClientConfig{
		APIBase:   cfg.Local.URL,
		Timeout:   cfg.Local.Timeout,
		Transport: transport,
	})
	cloud := clients.NewCloudClient(clients.ModelClientConfig{
		APIBase:   cfg.Cloud.URL,
		APIKey:    cfg.Cloud.APIKey,
		Timeout:   cfg.Cloud.Timeout,
		Referer:   cfg.Cloud.Referer,
		Title:     cfg.Cloud.Title,
		Transport: transport,
	})
	bridge := modelbridge.NewModelBridge(local, cloud, cfg.CircuitBreaker)

	recorder := metrics.New()
	cat := catalog.New(bridge, catalog.Options{
		TTL:          cfg.Routing.CatalogTTL,
		FetchTimeout: cfg.Routing.CatalogFetchTimeout,
		OnRefresh:    recorder.SetLocalModels,
	})
	go cat.Run(ctx, cfg.Routing.RefreshInterval)

	defaultBackend, err := models.ParseBackend(cfg.Routing.DefaultBackend)
	if err != nil {
		lg.WithError(err).Fatal("invalid default backend")
	}
	sel := selector.New(cat, defaultBackend, func(d selector.Decision) {
		recorder.ObserveSelection(d.Backend, d.Method)
	})
	orch := orchestrator.New(bridge, cat, sel, recorder, cfg.Routing)

	srv, err := server.New(cfg, server.Deps{
		Gateway:  orch,
		Catalog:  cat,
		Backends: bridge,
		Metrics:  recorder,
	})
	if err != nil {
		lg.WithError(err).Fatal("failed to build server")
	}

	lg.Info("starting gateway",
		"port", cfg.Server.Port,
		"local_url", cfg.Local.URL,
		"cloud_configured", cfg.Cloud.Configured(),
		"default_backend", defaultBackend.String())
	if err := srv.Run(ctx); err != nil {
		lg.WithError(err).Fatal("server exited")
	}
}

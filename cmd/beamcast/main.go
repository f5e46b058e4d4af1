package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beamcast/beamcast/internal/avtransport"
	"github.com/beamcast/beamcast/internal/config"
	"github.com/beamcast/beamcast/internal/manager"
	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/monitor"
	"github.com/beamcast/beamcast/internal/registry"
	"github.com/beamcast/beamcast/internal/ssdp"
	"github.com/beamcast/beamcast/internal/store"
	"github.com/beamcast/beamcast/internal/stream"
	"github.com/beamcast/beamcast/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.Info() + "\n")
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("beamcast starting", zap.String("version", version.Short()))
	metrics.BuildInfo.With(version.Map()).Set(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := store.Open(cfg.GetString("store.path"))
	if err != nil {
		logger.Fatal("failed to open device store", zap.Error(err))
	}
	defer db.Close()

	reg := registry.New(logger.Named("registry"))

	// Persisted devices come back unreachable until discovery or a
	// transport query proves otherwise.
	if devices, err := db.LoadDevices(context.Background()); err != nil {
		logger.Warn("failed to load persisted devices", zap.Error(err))
	} else {
		for _, dev := range devices {
			reg.Seed(dev)
		}
		logger.Info("persisted devices restored", zap.Int("count", len(devices)))
	}

	discovery := ssdp.New(logger.Named("ssdp"),
		ssdp.WithSearchTarget(cfg.GetString("discovery.search_target")),
		ssdp.WithTimeout(cfg.GetDuration("discovery.timeout")),
	)

	transport := avtransport.New(logger.Named("avtransport"),
		avtransport.WithTimeout(cfg.GetDuration("control.timeout")),
		avtransport.WithRetries(cfg.GetInt("control.retries")),
	)

	streams := stream.New(logger.Named("stream"),
		stream.WithPortRange(cfg.GetInt("stream.port_min"), cfg.GetInt("stream.port_max")),
		stream.WithHostIP(cfg.GetString("stream.host_ip")),
	)
	defer streams.Close()

	prober := monitor.NewSweepProber(transport, logger.Named("prober"))
	if !cfg.GetBool("sweep.icmp") {
		prober = prober.WithoutPing()
	}

	mgr := manager.New(
		manager.Config{
			DiscoveryInterval: cfg.GetDuration("discovery.interval"),
			DiscoveryTTL:      cfg.GetDuration("registry.ttl"),
			Monitor: monitor.Config{
				PollInterval:     cfg.GetDuration("monitor.poll_interval"),
				FailureThreshold: cfg.GetInt("monitor.failure_threshold"),
				MaxBackoff:       cfg.GetDuration("monitor.max_backoff"),
				ActionTimeout:    cfg.GetDuration("control.timeout"),
			},
		},
		reg, discovery, transport, streams,
		logger.Named("manager"),
		manager.WithProber(prober),
		manager.WithPersister(db),
	)

	if path := cfg.GetString("autoplay.path"); path != "" {
		mapping, err := config.LoadAutoPlay(path)
		if err != nil {
			logger.Fatal("failed to load auto-play mapping", zap.Error(err))
		}
		mgr.LoadAutoPlay(mapping)
		config.WatchAutoPlay(path, logger.Named("autoplay"), mgr.LoadAutoPlay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.StartDiscovery(ctx, cfg.GetDuration("discovery.interval"))

	if addr := cfg.GetString("metrics.addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 15 * time.Second}
			logger.Info("metrics endpoint listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	logger.Info("beamcast ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	mgr.Close()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if err := db.SaveDevices(saveCtx, reg.List()); err != nil {
		logger.Error("final device snapshot save failed", zap.Error(err))
	}

	logger.Info("beamcast stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-input-host/pkg/api"
	"github.com/video-system/go-input-host/pkg/host"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
	"github.com/video-system/go-input-host/pkg/output"
	"github.com/video-system/go-input-host/pkg/ringbuffer"

	_ "github.com/video-system/go-input-host/pkg/sources/ffmpeg"
	_ "github.com/video-system/go-input-host/pkg/sources/imagefile"
	_ "github.com/video-system/go-input-host/pkg/sources/testpattern"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	watch := flag.Bool("watch", true, "Reload source settings when the config file changes")
	listTypes := flag.Bool("list-types", false, "Print the registered source types and exit")
	flag.Parse()

	if *listTypes {
		for _, typ := range input.Types() {
			fmt.Println(typ)
		}
		return
	}

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "inputhost: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := host.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("input host starting")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	ring := ringbuffer.New(cfg.Ring)
	manager, err := host.NewManager(cfg, host.Options{
		Log:     log,
		Metrics: metrics,
		Sinks:   []output.Sink{ring},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		manager.Stop()
		return fmt.Errorf("start sources: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Manager: manager,
		Ring:    ring,
		Metrics: metrics,
		Log:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	if watch {
		g.Go(func() error {
			return manager.WatchConfig(gctx, configPath)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		apiServer.Stop()
		manager.Stop()
		<-manager.Drained()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("input host stopped")
	return nil
}

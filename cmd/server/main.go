// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main runs the aibridge gateway server: it loads configuration,
// wires the request store, cache, reliability tracker, and provider
// backends into a gateway, and serves the HTTP API until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/api"
	"github.com/traylinx/aibridge/internal/archive"
	"github.com/traylinx/aibridge/internal/authflow"
	"github.com/traylinx/aibridge/internal/buildinfo"
	"github.com/traylinx/aibridge/internal/cache"
	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/events"
	"github.com/traylinx/aibridge/internal/gateway"
	"github.com/traylinx/aibridge/internal/logging"
	"github.com/traylinx/aibridge/internal/reliability"
	"github.com/traylinx/aibridge/internal/rules"
	"github.com/traylinx/aibridge/internal/store"
)

// Overridden at build time via -ldflags.
var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

func init() {
	logging.Setup()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("aibridge Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var (
		configPath    string
		host          string
		port          int
		loginProvider string
		noBrowser     bool
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configuration file path")
	flag.StringVar(&host, "host", "", "Listen host (overrides config)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.StringVar(&loginProvider, "login", "", "Print the login URL for a provider and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open a browser for -login")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		return
	}

	// Environment variables from .env feed provider API keys and archive
	// credentials; a missing file is not an error.
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".aibridge", "config.yaml")
		} else {
			configPath = "config.yaml"
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}
	// providers.yaml beside the main config overrides provider definitions
	// without touching the managed file.
	overlay := filepath.Join(filepath.Dir(configPath), "providers.yaml")
	if err = cfg.ApplyProviderOverlay(overlay); err != nil {
		log.Fatalf("failed to apply provider overlay %s: %v", overlay, err)
	}
	if host != "" {
		cfg.Host = host
	}
	if port > 0 {
		cfg.Port = port
	}

	if err = logging.ConfigureOutput(cfg.LoggingToFile, cfg.LogDir(), cfg.LogsMaxTotalSizeMB); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)

	if loginProvider != "" {
		runLogin(cfg, loginProvider, noBrowser)
		return
	}

	if err = run(cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

// runLogin prints the OAuth URL or login command for a provider so the user
// can authenticate outside the server process.
func runLogin(cfg *config.Config, name string, noBrowser bool) {
	p := cfg.GetProvider(name)
	if p == nil {
		log.Fatalf("unknown provider %q", name)
	}
	flow := authflow.NewFlow(cfg.AuthFlow)
	switch {
	case p.OAuth != nil:
		url, err := authflow.LoginURL(*p, uuid.NewString())
		if err != nil {
			log.Fatalf("failed to build login URL for %s: %v", name, err)
		}
		fmt.Printf("Open this URL to authenticate with %s:\n\n  %s\n\n", name, url)
		if !noBrowser && flow.OpenBrowser(url) {
			fmt.Println("A browser window has been opened.")
		}
	case p.LoginCommand != "":
		fmt.Printf("Run this command to authenticate with %s:\n\n  %s\n", name, p.LoginCommand)
	default:
		log.Fatalf("provider %q has no login method configured", name)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := rules.NewEngine(cfg.Cache.ExcludeRules, cfg.RouteRules)

	st, err := store.Open(cfg.Storage, cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open request store: %w", err)
	}
	if err = st.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize request store: %w", err)
	}

	cm := cache.NewManager(cfg.CachePath(), cfg.Cache, engine)
	if err = cm.Initialize(ctx); err != nil {
		// The gateway runs fine without a cache; keep going.
		log.WithError(err).Warn("cache disabled: initialization failed")
	}

	bus := events.NewBus()
	tracker := reliability.NewTracker()

	gw := gateway.New(cfg, gateway.Deps{
		Store:    st,
		Cache:    cm,
		Rules:    engine,
		Tracker:  tracker,
		Bus:      bus,
		Backends: gateway.BuildBackends(cfg),
	})
	gw.Start()

	var exporter *archive.Exporter
	if cfg.Archive.Enabled {
		exporter, err = archive.New(cfg.Archive, st, bus)
		if err != nil {
			return fmt.Errorf("failed to build archive exporter: %w", err)
		}
		if err = exporter.Start(); err != nil {
			return fmt.Errorf("failed to start archive exporter: %w", err)
		}
	}

	var history *config.History
	if cfg.Management.ConfigHistory {
		history, err = config.NewHistory(filepath.Join(cfg.ResolveDataDir(), "config-history"))
		if err != nil {
			log.WithError(err).Warn("config history disabled")
		} else if cfg.Path() != "" {
			if err = history.Record(cfg.Path(), "startup snapshot"); err != nil {
				log.WithError(err).Warn("failed to record startup config snapshot")
			}
		}
	}

	srv := api.NewServer(cfg, gw, history)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	watcher := config.NewWatcher(cfg.Path(), func(next *config.Config) {
		gw.Reload(next)
		logging.SetLevel(next.LogLevel)
	})
	if err = watcher.Start(); err != nil {
		log.WithError(err).Warn("config file watching disabled")
	}
	defer watcher.Stop()

	log.Infof("gateway ready: %d providers, default %q", len(cfg.EnabledProviders()), cfg.DefaultProvider)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-srvErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api server shutdown")
	}
	if err = gw.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway shutdown")
	}
	if exporter != nil {
		exporter.Shutdown(shutdownCtx)
	}
	if err = cm.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("cache shutdown")
	}
	if err = st.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("request store shutdown")
	}
	bus.Shutdown()
	log.Info("shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/backend/ws"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/catalogfile"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/decoders/canbus"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/storage/memory"
	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	cfgpkg "github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/config"
	httpapi "github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/httpapi"
	obs "github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
)

func main() {
	app := &cli.App{
		Name:    "wiretapd",
		Usage:   "shared capture session multiplexer and frame decode engine",
		Version: obs.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (overrides config)"},
			&cli.StringFlag{Name: "backend", Usage: "capture backend websocket URL (overrides config)"},
			&cli.StringFlag{Name: "catalog", Usage: "frame catalog JSON path (overrides config)"},
			&cli.StringFlag{Name: "profile", Usage: "capture profile to open on startup (overrides config)"},
			&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error (overrides config)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wiretapd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := cfgpkg.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("backend"); v != "" {
		cfg.Backend.URL = v
	}
	if v := c.String("catalog"); v != "" {
		cfg.CatalogPath = v
	}
	if v := c.String("profile"); v != "" {
		cfg.Profile.ID = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.CatalogPath == "" {
		return errors.New("a catalog is required (--catalog, CATALOG_PATH or catalogPath in the config file)")
	}

	logger := obs.NewLogger(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend.URL).
		Str("version", obs.Version).Msg("starting wiretapd")

	catalog, err := catalogfile.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	logger.Info().Str("catalog", catalog.Name).Int("frames", len(catalog.Frames)).Msg("catalog loaded")

	metrics := obs.NewMetrics()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), cfg.Backend.RPCTimeout())
	backend, err := ws.Dial(dialCtx, cfg.Backend.URL, *logger)
	dialCancel()
	if err != nil {
		return err
	}
	defer backend.Close()

	store := memory.NewStore(memory.Caps{
		Frames:          cfg.Store.MaxFrames,
		SourceFrames:    cfg.Store.MaxSourceFrames,
		Unmatched:       cfg.Store.MaxUnmatched,
		Filtered:        cfg.Store.MaxFiltered,
		ValuesPerHeader: cfg.Store.ValuesPerHeader,
	}, func(container string) { metrics.EvictionsTotal.WithLabelValues(container).Inc() })

	decoder := canbus.NewCatalogDecoder(catalog)
	mirrors := usecase.NewMirrorValidator(catalog, decoder, usecase.MirrorConfig{
		DefaultFuzzWindow: cfg.Mirror.FuzzWindow(),
		MismatchThreshold: cfg.Mirror.MismatchThreshold,
	}, func() { metrics.MirrorFlips.Inc() })
	pipeline := usecase.NewPipeline(decoder, store, mirrors, logger, metrics)

	registry := usecase.NewRegistry(backend, usecase.RegistryConfig{
		HeartbeatInterval: cfg.Backend.HeartbeatInterval(),
		RPCTimeout:        cfg.Backend.RPCTimeout(),
		Throttle: usecase.ThrottleConfig{
			BatchSize:   cfg.Throttle.BatchSize,
			MinInterval: cfg.Throttle.MinInterval(),
			MaxInterval: cfg.Throttle.MaxInterval(),
		},
	}, logger, metrics)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go registry.Run(rootCtx)

	live := httpapi.NewLiveHub()
	pipeline.OnUpdate(func(version uint64) {
		live.Broadcast(httpapi.LiveEvent{Type: "stateVersion", Version: version})
	})

	if cfg.Profile.ID != "" {
		listenerID := "wiretapd-" + uuid.NewString()
		cb := pipeline.Callbacks()
		cb.OnStateChange = func(state domain.RunState) {
			live.Broadcast(httpapi.LiveEvent{Type: "runState", SessionID: cfg.Profile.ID, Payload: state})
		}
		cb.OnStreamEnded = func(buffer domain.BufferInfo) {
			live.Broadcast(httpapi.LiveEvent{Type: "streamEnded", SessionID: cfg.Profile.ID, Payload: buffer})
		}
		cb.OnError = func(message string) {
			live.Broadcast(httpapi.LiveEvent{Type: "sessionError", SessionID: cfg.Profile.ID, Payload: message})
		}

		opts := usecase.OpenOptions{
			UseBuffer:    cfg.Profile.UseBuffer,
			EmitRawBytes: cfg.Profile.EmitRawBytes,
		}
		if cfg.Profile.Speed > 0 {
			speed := cfg.Profile.Speed
			opts.Speed = &speed
		}
		sess, err := registry.Open(rootCtx, cfg.Profile.ID, cfg.Profile.DisplayName, listenerID, cb, opts)
		if err != nil {
			// surfaced but not fatal: the session stays in error state and
			// can be recreated through the API
			logger.Error().Err(err).Str("profile", cfg.Profile.ID).Msg("opening startup session failed")
		} else {
			logger.Info().Str("session", sess.ID).Str("runState", string(sess.RunState)).
				Msg("startup session open")
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = registry.Leave(ctx, sess.ID, listenerID)
				cancel()
			}()
		}
	}

	deps := &httpapi.Deps{
		Cfg:         cfg,
		Logger:      logger,
		Metrics:     metrics,
		Registry:    registry,
		Pipeline:    pipeline,
		Store:       store,
		Live:        live,
		CatalogName: catalog.Name,
		Ready: func() bool {
			select {
			case <-backend.Done():
				return false
			default:
				return true
			}
		},
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info().Msg("shutdown signal received")
	case <-backend.Done():
		logger.Error().Err(backend.Err()).Msg("backend link lost")
	}

	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("wiretapd stopped")
	return nil
}

// Package server assembles the analyzer: storage, ingestion engine,
// dispatch coordinator, capture tailer, and the HTTP API, with one
// lifecycle for all of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huntlog/huntlog/internal/advisor"
	"github.com/huntlog/huntlog/internal/api"
	"github.com/huntlog/huntlog/internal/capture"
	"github.com/huntlog/huntlog/internal/config"
	"github.com/huntlog/huntlog/internal/dispatch"
	"github.com/huntlog/huntlog/internal/engine"
	"github.com/huntlog/huntlog/internal/events"
	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/rules"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/internal/store/composite"
	"github.com/huntlog/huntlog/internal/store/jsonl"
	"github.com/huntlog/huntlog/internal/store/sqlite"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store       store.Store
	broker      *events.Broker
	metrics     *metrics.Collector
	coordinator *dispatch.Coordinator
	engine      *engine.Engine
	tailer      *capture.Tailer

	httpServer *http.Server
	httpLn     net.Listener
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := BuildLogger(cfg.Logging)

	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	var st store.Store = db
	if cfg.Storage.Mirror.Enabled {
		mirror, err := jsonl.New(cfg.Storage.Mirror.Path, cfg.Storage.Mirror.MaxSizeMB, cfg.Storage.Mirror.MaxBackups)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		st = composite.New(db, mirror)
	}

	metricsCollector := metrics.New()
	broker := events.NewBroker()

	var coordinator *dispatch.Coordinator
	var observer engine.Observer
	if cfg.Advisor.Enabled {
		adv := advisor.NewExecAdvisor(cfg.Advisor.Command, cfg.Advisor.Args, config.Duration(cfg.Advisor.Timeout))
		coordinator = dispatch.New(dispatch.Config{
			NoveltyThreshold: cfg.Analysis.NoveltyThreshold,
			Cooldown:         config.Duration(cfg.Analysis.DispatchCooldown),
			BatchSize:        cfg.Analysis.DispatchBatchSize,
			MaxPromptChars:   cfg.Analysis.MaxPromptChars,
			Timeout:          config.Duration(cfg.Advisor.Timeout),
		}, adv, st, metricsCollector, logger)
		observer = coordinator
	}

	eng := engine.New(engine.Config{
		QueueSize:     cfg.Ingest.QueueSize,
		SessionBuffer: cfg.Ingest.SessionBuffer,
		AppendRetries: cfg.Ingest.AppendRetries,
		AppendBackoff: config.Duration(cfg.Ingest.AppendBackoff),
	}, st, rules.NewEngine(), observer, broker, metricsCollector, logger)

	tailer := capture.NewTailer(capture.Config{
		Path:         cfg.Capture.Path,
		FromStart:    cfg.Capture.FromStart,
		PollInterval: config.Duration(cfg.Capture.PollInterval),
	}, eng, logger)

	app := api.NewApp(st, eng, broker, metricsCollector, logger)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		eng.Close()
		if coordinator != nil {
			coordinator.Close()
		}
		_ = st.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	return &Server{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		broker:      broker,
		metrics:     metricsCollector,
		coordinator: coordinator,
		engine:      eng,
		tailer:      tailer,
		httpServer: &http.Server{
			Handler:      app.Router(),
			ReadTimeout:  config.Duration(cfg.Server.ReadTimeout),
			WriteTimeout: config.Duration(cfg.Server.WriteTimeout),
		},
		httpLn: ln,
	}, nil
}

// Addr is the bound listen address, useful when the config port is 0.
func (s *Server) Addr() string { return s.httpLn.Addr().String() }

// Run serves until ctx is done or a component fails, then shuts down in
// dependency order: tailer, HTTP, engine, coordinator, store.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("huntlog listening",
		"addr", s.Addr(), "capture", s.cfg.Capture.Path,
		"advisor_enabled", s.cfg.Advisor.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.tailer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("capture tailer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	s.engine.Close()
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if cerr := s.store.Close(); cerr != nil {
		s.logger.Error("close store", "error", cerr)
	}
	s.logger.Info("huntlog stopped")
	return err
}

// BuildLogger constructs the process logger from config.
func BuildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

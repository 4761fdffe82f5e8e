// Command formulaserver serves the formula HTTP API.
//
// Configuration is read from the CUE or YAML files given with -config
// (repeatable) or listed, comma separated, in FORMULA_CONFIG.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	formula "github.com/nlstn/go-formula"
	"github.com/nlstn/go-formula/internal/config"
	"github.com/nlstn/go-formula/internal/runs"
	"github.com/nlstn/go-formula/internal/tooling"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

type configPaths []string

func (p *configPaths) String() string { return strings.Join(*p, ",") }

func (p *configPaths) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var paths configPaths
	flag.Var(&paths, "config", "CUE or YAML configuration file (repeatable, later files override earlier ones)")
	flag.Parse()
	if len(paths) == 0 {
		if env := os.Getenv("FORMULA_CONFIG"); env != "" {
			paths = strings.Split(env, ",")
		}
	}

	if err := run(paths); err != nil {
		fmt.Fprintln(os.Stderr, "formulaserver:", err)
		os.Exit(1)
	}
}

func run(paths []string) error {
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	level.Set(lvl)

	logger, closeLog, err := newLogger(os.Stderr, logOptions{File: cfg.LogFile, Journal: cfg.LogJournal}, level)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintln(os.Stderr, "formulaserver: close log file:", err)
		}
	}()
	slog.SetDefault(logger)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	retention, err := cfg.RetentionDuration()
	if err != nil {
		return err
	}
	store, err := runs.NewStore(db, retention, runs.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	logDelay, err := cfg.LogDelayDuration()
	if err != nil {
		return err
	}
	engineCfg := formula.EngineConfig{
		CacheSize: cfg.CacheSize,
		Runs:      store,
		LogDelay:  logDelay,
		SObject:   cfg.Remote.SObject,
	}
	if cfg.RemoteEnabled() {
		client := tooling.NewClient(cfg.Remote.Host, cfg.Remote.SessionID, cfg.Remote.APIVersion)
		client.Logger = logger
		engineCfg.Remote = client
	}

	engine := formula.NewEngineWithConfig(engineCfg)
	engine.SetLogger(logger)
	engine.SetObservability(formula.ObservabilityConfig{
		TracerProvider:          otel.GetTracerProvider(),
		MeterProvider:           otel.GetMeterProvider(),
		ServiceName:             cfg.Observability.ServiceName,
		EnableDetailedDBTracing: cfg.Database.Tracing,
		EnableServerTiming:      cfg.Observability.ServerTiming,
		ExpressionLimit:         cfg.Observability.ExpressionLimit,
	})
	if err := engine.InstrumentDB(db); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Formula server listening",
			slog.String("addr", cfg.Addr),
			slog.String("database", cfg.Database.Driver),
			slog.Bool("remote", engine.RemoteEnabled()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return engine.Close(shutdownCtx)
}

func openDatabase(cfg config.Database) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return nil, errors.New("postgres DSN required: set database.dsn or DATABASE_URL")
		}
		dialector = postgres.Open(dsn)
	default:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

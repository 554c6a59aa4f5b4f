// Package app wires a workspace's config, database and engine for the CLI.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/logging"
	"caseline/internal/metrics"
	"caseline/internal/migrate"
)

// Options are the command line overrides applied on top of caseline.yml.
type Options struct {
	Workspace  string
	ConfigPath string
	Driver     string
	DSN        string
	LogLevel   string
	LogFormat  string
}

// Runtime owns everything opened for one command.
type Runtime struct {
	Config   *config.Config
	DB       *sqlx.DB
	Engine   engine.Engine
	Log      *logrus.Logger
	Registry *prometheus.Registry
}

// LoadConfig reads an explicit config file when given, otherwise the workspace one,
// falling back to defaults when the workspace has none. Overrides are then applied.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if d := strings.TrimSpace(opts.Driver); d != "" {
		cfg.Database.Driver = d
	}
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logging.NewWithWriter(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{
		Workspace:    opts.Workspace,
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		BusyTimeout:  cfg.LockTimeout(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := migrate.Up(ctx, conn, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.Log = log
	e.Metrics = metrics.New(reg)
	return &Runtime{Config: cfg, DB: conn, Engine: e, Log: log, Registry: reg}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

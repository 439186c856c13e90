package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/engine"
	"marketline/internal/migrate"
	"marketline/internal/obs"
	"marketline/internal/scheduler"
)

// Runtime is an opened workspace: its config, the migrated store and the engine over it.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
}

// ResolveConfig prefers an explicit file, then the workspace marketline.yml, then the
// built-in defaults. Storage overrides from the environment win over the file.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if strings.TrimSpace(configPath) != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default("marketline")
	}
	return cfg, nil
}

// Open resolves the config, opens and migrates the configured store and wires the engine.
// A non-zero now pins the engine clock.
func Open(ctx context.Context, workspace, configPath string, now time.Time) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, configPath)
	if err != nil {
		return nil, err
	}
	logger := obs.NewLogger(cfg.Service.LogLevel).With("service", cfg.Service.ID)
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	obs.Init()
	e := engine.New(conn, cfg)
	e.Logger = obs.Component(logger, "engine")
	if !now.IsZero() {
		e = e.At(now)
	}
	return &Runtime{Workspace: workspace, Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

func (rt *Runtime) Reconciler() scheduler.Reconciler {
	return scheduler.Reconciler{Engine: rt.Engine, Logger: obs.Component(rt.Logger, "scheduler")}
}

// Loop builds the periodic reconciliation loop from the scheduler section.
func (rt *Runtime) Loop() *scheduler.Loop {
	l := scheduler.NewLoop(rt.Reconciler(), rt.Config.Scheduler)
	if rt.Engine.Now != nil {
		l.Now = rt.Engine.Now
	}
	return l
}

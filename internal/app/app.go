// Package app builds the service graph shared by the HTTP server, the MCP
// server and the CLI commands.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	domainauth "github.com/matiasleandrokruk/toolforge/internal/domain/auth"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/config"
	"github.com/matiasleandrokruk/toolforge/internal/infra/eventbus"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	"github.com/matiasleandrokruk/toolforge/pkg/auth"
)

// App holds every long-lived service. It owns DB.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Bus     *eventbus.Bus
	Actions *record.Registry
	Schemas *schema.Store
	Records *record.Service
	Store   *record.Store
	Audit   *audit.Recorder
	Auth    *domainauth.Service
}

// Open opens the database at cfg.Database.Path, applies pending migrations and
// builds the services.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.MigrateUp(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := New(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// New builds the services on an already migrated db.
func New(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := permission.ParseFieldPolicy(cfg.Fields.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(auth.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Bus:     eventbus.New(),
		Actions: record.DefaultRegistry(),
		Store:   record.NewStore(db),
		Audit:   audit.NewRecorder(db),
	}
	a.Schemas = schema.NewStore(db, a.Actions)
	a.Records = record.NewService(record.ServiceDeps{
		DB:          db,
		Schemas:     a.Schemas,
		Store:       a.Store,
		Audit:       a.Audit,
		Actions:     a.Actions,
		Bus:         a.Bus,
		FieldPolicy: policy,
		Logger:      logger.With("component", "records"),
	})
	a.Auth = domainauth.NewService(db, issuer, logger.With("component", "auth"))
	return a, nil
}

// PurgeAudit deletes audit entries older than days. Zero or negative days
// keeps everything.
func (a *App) PurgeAudit(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	n, err := a.Audit.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	a.Logger.InfoContext(ctx, "audit purged", "before", cutoff, "deleted", n)
	return n, nil
}

// RunMaintenance purges expired refresh tokens and, when retention is
// configured, old audit entries every interval until ctx is done.
func (a *App) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := a.Auth.PurgeExpiredTokens(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "purge refresh tokens", "error", err)
		} else if n > 0 {
			a.Logger.InfoContext(ctx, "refresh tokens purged", "deleted", n)
		}
		if _, err := a.PurgeAudit(ctx, a.Config.Audit.RetentionDays); err != nil {
			a.Logger.ErrorContext(ctx, "purge audit", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}

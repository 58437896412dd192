// Package app is the composition root shared by trustd and ledgerctl. It
// builds the store, gate, verifier, sealer and isolation engine from config.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/trustsubstrate/internal/config"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/health"
	"github.com/jmerrifield20/trustsubstrate/internal/identity"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/seal"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Store    store.Store
	Gate     *gate.Gate
	Verifier *verify.Verifier
	Sealer   *seal.Sealer
	Registry *isolation.Registry
	Engine   *isolation.Engine
	Health   *health.Monitor

	pool   *pgxpool.Pool
	sqlite *store.SQLiteStore
	logger *zap.Logger
}

// NewLogger returns a production logger, or a development one at debug level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log.level %q: %w", level, err)
	}
	return cfg.Build()
}

// Build wires every component. The database URL picks the store: empty runs
// on the in-memory store, which is only suitable for development, a
// "sqlite:" prefix opens a single-node SQLite file, and anything else is a
// PostgreSQL connection string.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	reg := isolation.DefaultRegistry()
	if cfg.Isolation.RegistryFile != "" {
		loaded, err := isolation.LoadRegistry(cfg.Isolation.RegistryFile)
		if err != nil {
			return nil, err
		}
		reg = loaded
	}
	a.Registry = reg

	if err := a.openStore(ctx, cfg.Database); err != nil {
		return nil, err
	}

	a.Gate = gate.New(a.Store, reg, gate.RetryPolicy{
		MaxAttempts: cfg.Gate.MaxAttempts,
		BaseDelay:   cfg.Gate.BaseDelay,
	}, logger.Named("gate"))
	a.Verifier = verify.New(a.Store, cfg.Verify.BatchSize, logger.Named("verify"))

	keys, err := sealKeys(cfg.Seal)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.Sealer, err = seal.New(a.Store, a.Verifier, keys, logger.Named("seal")); err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = isolation.NewEngine(reg, a.Gate, a.Gate, cfg.Isolation.CoverageThreshold, logger.Named("isolation"))
	a.Health = health.New(a.Verifier, health.Config{}, logger.Named("health"))
	a.Health.SetOnChange(a.recordTransition)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.DatabaseConfig) error {
	switch {
	case cfg.URL == "":
		a.logger.Warn("database.url not set, using the in-memory store")
		a.Store = store.NewMemoryStore()
		return nil

	case strings.HasPrefix(cfg.URL, SQLitePrefix):
		path := strings.TrimPrefix(cfg.URL, SQLitePrefix)
		if path == "" {
			return fmt.Errorf("database.url %q has no file path", cfg.URL)
		}
		st, err := store.OpenSQLite(ctx, path, domainTables(a.Registry), a.logger.Named("store"))
		if err != nil {
			return err
		}
		a.logger.Info("opened sqlite store", zap.String("path", path))
		a.sqlite = st
		a.Store = st
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return fmt.Errorf("parse database.url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.logger.Info("connected to postgres")
	a.pool = pool
	a.Store = store.NewPostgresStore(pool, a.logger)
	return nil
}

// SQLitePrefix marks a database URL as an SQLite file path.
const SQLitePrefix = "sqlite:"

// domainTables lists every table the registry names that is not a chain,
// plus the platform tables the gate owns.
func domainTables(reg *isolation.Registry) []string {
	tables := reg.TenantScoped()
	for _, e := range reg.Exempt() {
		if _, err := ledger.ParseChain(e.Table); err == nil {
			continue
		}
		tables = append(tables, e.Table)
	}
	for _, t := range gate.PlatformTables() {
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	return tables
}

// MonitorActor is the actor chain status transitions are recorded under.
const MonitorActor = "chain-monitor"

// ActionChainStatus is the ledger action of a recorded status transition.
const ActionChainStatus = "chain.status_changed"

// recordTransition appends a status change to the automation chain. The
// first verdict after startup is only recorded when it is not intact.
func (a *App) recordTransition(ctx context.Context, chain ledger.Chain, from, to health.Status) {
	if from == health.StatusUnknown && to == health.StatusIntact {
		return
	}
	_, err := a.Gate.AuditedWrite(ctx, gate.SystemScope(MonitorActor), gate.Mutation{
		Kind:       gate.KindEvent,
		Chain:      ledger.ChainAutomationEvents,
		Action:     ActionChainStatus,
		TargetType: "chain",
		RecordID:   string(chain),
		Payload:    map[string]any{"chain": string(chain), "from": string(from), "to": string(to)},
	})
	if err != nil {
		a.logger.Warn("record chain status change",
			zap.String("chain", string(chain)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

func sealKeys(cfg config.SealConfig) (*seal.KeyManager, error) {
	if cfg.KeySecret != "" {
		return seal.DeriveKeyManager([]byte(cfg.KeySecret))
	}
	keys := seal.NewKeyManager(cfg.KeyDir)
	if err := keys.LoadOrCreate(); err != nil {
		return nil, fmt.Errorf("seal key setup: %w", err)
	}
	return keys, nil
}

// TokenVerifier builds the session token verifier. Without a configured
// public key it generates a development key pair and also returns an issuer
// for it, so local clients can mint tokens.
func TokenVerifier(cfg config.IdentityConfig, logger *zap.Logger) (*identity.TokenVerifier, *identity.TokenIssuer, error) {
	if cfg.PublicKeyFile != "" {
		pub, err := identity.LoadPublicKeyFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, nil, err
		}
		return identity.NewTokenVerifier(pub, cfg.Issuer), nil, nil
	}
	key, err := identity.LoadOrCreateDevKey(cfg.DevKeyDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Warn("identity.public_key_file not set, using a development session key",
		zap.String("dir", cfg.DevKeyDir))
	issuer := identity.NewTokenIssuer(key, cfg.Issuer, 0)
	return issuer.Verifier(), issuer, nil
}

// Close releases the database pool or file, if any.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("close sqlite store", zap.Error(err))
		}
	}
}

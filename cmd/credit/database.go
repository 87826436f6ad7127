package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/migrations"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// openedStore is a ledger.Store plus the handles needed to probe and release it.
type openedStore struct {
	store   ledger.Store
	driver  string
	ping    func(ctx context.Context) error
	cleanup func()
}

func openStore(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (openedStore, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return openedStore{}, err
	}

	switch driver {
	case driverSQLite:
		db, err := gormstore.OpenSQLite(sqlitePath)
		if err != nil {
			return openedStore{}, err
		}
		return gormHandle(db, driver)
	case driverPostgres:
		if cfg.AutoMigrate {
			version, err := migrations.Apply(cfg.DatabaseURL)
			if err != nil {
				return openedStore{}, err
			}
			logger.Info("schema migrated", zap.Uint("version", version))
		}
		if cfg.StoreBackend == storeBackendGORM {
			db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
			if err != nil {
				return openedStore{}, fmt.Errorf("open postgres: %w", err)
			}
			return gormHandle(db, driver)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return openedStore{}, fmt.Errorf("open pgx pool: %w", err)
		}
		return openedStore{
			store:   pgstore.New(pool),
			driver:  driver,
			ping:    pool.Ping,
			cleanup: pool.Close,
		}, nil
	default:
		return openedStore{}, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func gormHandle(db *gorm.DB, driver string) (openedStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return openedStore{}, err
	}
	return openedStore{
		store:   gormstore.New(db),
		driver:  driver,
		ping:    sqlDB.PingContext,
		cleanup: func() { _ = sqlDB.Close() },
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditmeter.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

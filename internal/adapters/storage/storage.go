// Package storage arma los repositorios según el backend configurado.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mem "patient-access/internal/adapters/storage/memory"
	pg "patient-access/internal/adapters/storage/postgres"
	"patient-access/internal/adapters/storage/sqlite"
	"patient-access/internal/adapters/storage/sqlstore"
	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/tokens"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Options struct {
	Backend    string
	DSN        string // postgres
	SQLitePath string

	// AutoMigrate aplica migraciones pendientes al abrir.
	AutoMigrate bool
}

// Backend agrupa los repos de un mismo almacenamiento.
type Backend struct {
	Name   string
	Grants grants.Repository
	Tokens tokens.Repository
	Audit  audit.Repository

	// store es nil en memory.
	store *sqlstore.Store
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	return b.store.Ping(ctx)
}

func (b *Backend) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}

func Memory() *Backend {
	return &Backend{
		Name:   BackendMemory,
		Grants: mem.NewGrantsRepo(),
		Tokens: mem.NewTokensRepo(),
		Audit:  mem.NewAuditRepo(),
	}
}

func Open(opts Options) (*Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return Memory(), nil

	case BackendPostgres:
		if opts.AutoMigrate {
			if err := pg.Migrate(opts.DSN); err != nil {
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		db, err := pg.Open(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		return fromSQL(BackendPostgres, db, sqlstore.Postgres), nil

	case BackendSQLite:
		db, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		// :memory: no sobrevive al proceso; sin esquema no sirve.
		if opts.AutoMigrate || strings.TrimSpace(opts.SQLitePath) == "" || opts.SQLitePath == sqlite.MemoryDSN {
			if err := sqlite.Migrate(db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite migrate: %w", err)
			}
		}
		return fromSQL(BackendSQLite, db, sqlstore.SQLite), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// Migrate aplica migraciones sin levantar el resto del backend (CLI).
func Migrate(opts Options) error {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendPostgres:
		return pg.Migrate(opts.DSN)
	case BackendSQLite:
		db, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		return sqlite.Migrate(db)
	case "", BackendMemory:
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// Version devuelve la versión de esquema aplicada. Memory no tiene esquema.
func Version(opts Options) (version uint, dirty bool, err error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendPostgres:
		return pg.Version(opts.DSN)
	case BackendSQLite:
		db, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			return 0, false, err
		}
		defer db.Close()
		return sqlite.Version(db)
	case "", BackendMemory:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func fromSQL(name string, db *sql.DB, d sqlstore.Dialect) *Backend {
	st := sqlstore.New(db, d)
	return &Backend{
		Name:   name,
		Grants: st.Grants(),
		Tokens: st.Tokens(),
		Audit:  st.Audit(),
		store:  st,
	}
}

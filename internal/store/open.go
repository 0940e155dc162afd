package store

import (
	"context"
	"runtime"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ayedb/ayb/internal/types"
)

// Open selects a backend from the database_url scheme:
//
//	sqlite://<path>           embedded file (or sqlite://:memory:)
//	postgres://user:pw@host/  external PostgreSQL server
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return openSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return openPostgres(ctx, databaseURL)
	}
	return nil, types.Errorf(types.KindConfigurationError, "unsupported database_url scheme: %s", databaseURL)
}

func openSQLite(ctx context.Context, path string) (Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared cache so every pooled connection sees the same data; WAL
		// does not apply in memory.
		connStr = "file:aybmeta?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}
	db, err := sqlx.Open("sqlite3", connStr)
	if err != nil {
		return nil, types.Errorf(types.KindStorageError, "opening metadata store: %v", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer and many readers; cap the pool to keep
		// write-lock contention from piling up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}
	s := newSQLStore(db, dialectSQLite)
	if err := s.migrate(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, url string) (Store, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, types.Errorf(types.KindStorageError, "opening metadata store: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.Errorf(types.KindStorageError, "connecting to metadata store: %v", err)
	}
	s := newSQLStore(db, dialectPostgres)
	if err := s.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context, schema []string) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return types.Errorf(types.KindStorageError, "applying schema: %v", err)
		}
	}
	return nil
}

// Package store persists entities, outbox logs and sync bookkeeping in an embedded SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store owns the database handle. It is created once per process and passed
// to every component that reads or writes local data.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the SQLite file at path and applies pending schema revisions.
// A failing revision leaves the store unusable.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("store initialized", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn with exclusive write access. All writes made through tx
// commit together or not at all.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
	return apperr.Storage("transaction", err)
}

// View returns a non-transactional handle for single-statement reads.
func (s *Store) View(ctx context.Context) *Tx {
	return &Tx{db: s.db.WithContext(ctx)}
}

// Tx is a handle scoped to one transaction or read.
type Tx struct {
	db *gorm.DB
}

// DB exposes the gorm handle for queries the helpers below do not cover.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package connectors

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/callwarden/pkg/commons"
)

// SqliteConnector hands out gorm handles bound to the caller's context.
// The service is single-device, so sqlite is the system of record for
// rules and call records.
type SqliteConnector interface {
	DB(ctx context.Context) *gorm.DB
	AutoMigrate(models ...interface{}) error
	Close() error
}

type sqliteConnector struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewSqliteConnector opens (or creates) the sqlite database at path.
// WAL mode keeps readers (history queries) from blocking the capture
// pipeline's record writes.
func NewSqliteConnector(path string, logger commons.Logger) (SqliteConnector, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	logger.Infof("sqlite connector ready: path=%s", path)
	return &sqliteConnector{db: db, logger: logger}, nil
}

func (c *sqliteConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

func (c *sqliteConnector) AutoMigrate(models ...interface{}) error {
	if err := c.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (c *sqliteConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package db opens and migrates the Switchboard relational store.
package db

import (
	"errors"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/switchboard/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQL error numbers.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// DSN builds a MySQL DSN.
func DSN(user, password, host string, port int, database string) string {
	auth := user
	if password != "" {
		auth += ":" + password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4", auth, host, port, database)
}

// Connect opens a GORM connection using the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	var target string
	switch cfg.Driver {
	case "mysql", "":
		target = fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
		dialector = mysql.Open(DSN(cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name))
	case "sqlite":
		target = cfg.Path
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000&_foreign_keys=on")
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", target, err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows one writer; serialise through a single connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s: %w", target, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// IsDuplicate reports whether err is a unique constraint violation from any
// supported driver.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsDeadlock reports whether err means the transaction lost a lock race and
// can be retried.
func IsDeadlock(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	return false
}

// Package dbconn opens the SQLite database that keeps run history.
package dbconn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DBConf struct {
	URL         string
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	LogLevel    logger.LogLevel
}

type DBOpts func(*DBConf)

func NewConf() *DBConf {
	return &DBConf{
		URL:         "file:gpulimit.db",
		MaxIdle:     2,
		MaxOpen:     1,
		MaxLifetime: 300 * time.Second,
		LogLevel:    logger.Silent,
	}
}

func WithURL(url string) DBOpts {
	return func(d *DBConf) {
		d.URL = url
	}
}

func WithMaxIdle(idle int) DBOpts {
	return func(d *DBConf) {
		d.MaxIdle = idle
	}
}

func WithMaxOpen(open int) DBOpts {
	return func(d *DBConf) {
		d.MaxOpen = open
	}
}

func WithMaxLifetime(lifetime time.Duration) DBOpts {
	return func(d *DBConf) {
		d.MaxLifetime = lifetime
	}
}

func WithLogLevel(level logger.LogLevel) DBOpts {
	return func(d *DBConf) {
		d.LogLevel = level
	}
}

// Open connects and pings. SQLite allows one writer, so the pool defaults
// to a single open connection.
func Open(options ...DBOpts) (*gorm.DB, error) {
	conf := NewConf()
	for _, o := range options {
		o(conf)
	}

	if err := ensureDir(conf.URL); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(conf.URL), &gorm.Config{
		Logger: logger.Default.LogMode(conf.LogLevel),
	})
	if err != nil {
		return nil, err
	}

	sdb, err := db.DB()
	if err != nil {
		return nil, err
	}

	sdb.SetMaxIdleConns(conf.MaxIdle)
	sdb.SetMaxOpenConns(conf.MaxOpen)
	sdb.SetConnMaxLifetime(conf.MaxLifetime)

	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB, models ...any) error {
	return db.AutoMigrate(models...)
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sdb, err := db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}

// ensureDir creates the parent directory of a file-backed URL.
func ensureDir(url string) error {
	path := strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(url, "mode=memory") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

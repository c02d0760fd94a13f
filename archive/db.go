// Package archive persists room messages to SQLite, outside the session
// layer: the live model stays purely in memory and the archive only observes
// messages as they are accepted. It is optional and disabled unless a
// database path is configured.
package archive

import (
	"database/sql"
	"embed"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDBOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// Cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (config *SQLiteDBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}
	if config.Mode != "" {
		sb.WriteString("?mode=")
		sb.WriteString(config.Mode)
	}
	if config.Cache != "" {
		sb.WriteString("&cache=")
		sb.WriteString(config.Cache)
	}
	if config.JournalMode != "" {
		sb.WriteString("&journal_mode=")
		sb.WriteString(config.JournalMode)
	}
}

type SQLiteDB struct {
	*sql.DB
	config *SQLiteDBOption
	file   string
}

func NewSQLiteDB(file string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, file: file}

	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(db.file)
	if db.config != nil {
		config.DSN(&dsn)
	}
	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, err
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db.DB, "migrations")
}

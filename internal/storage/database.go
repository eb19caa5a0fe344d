package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"codecanvas/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database selected by dbType using the app config.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				html_content TEXT NOT NULL DEFAULT '',
				css_content TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS project_history (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				project_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				email TEXT NOT NULL,
				content TEXT NOT NULL,
				kind TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_project_history_project ON project_history(project_id, seq DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id VARCHAR(36) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				html_content LONGTEXT NOT NULL,
				css_content LONGTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS project_history (
				seq BIGINT AUTO_INCREMENT PRIMARY KEY,
				id VARCHAR(36) NOT NULL UNIQUE,
				project_id VARCHAR(36) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				email VARCHAR(255) NOT NULL,
				content LONGTEXT NOT NULL,
				kind VARCHAR(16) NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE,
				INDEX idx_project_history_project (project_id, seq DESC)
			)`,
		}
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

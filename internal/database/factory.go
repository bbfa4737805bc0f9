package database

import (
	"fmt"
	"os"
	"path/filepath"

	"tm-go/internal/config"
)

// DatabaseFileName is the name of the SQLite file inside the database data dir.
const DatabaseFileName = "tm.db"

// NewDatabaseFromConfig creates the database selected by the config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, DatabaseFileName))
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

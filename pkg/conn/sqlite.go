package conn

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewSQLite opens a SQLite database at the given path. Pass ":memory:"
// for an in-memory database; used by tests and local runs.
func NewSQLite(path string, config *gorm.Config) (*Client, error) {
	if config == nil {
		config = &gorm.Config{TranslateError: true}
	}

	db, err := gorm.Open(sqlite.Open(path), config)
	if err != nil {
		return nil, err
	}

	if path == ":memory:" {
		// A second pooled connection would open its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Client{db: db}, nil
}

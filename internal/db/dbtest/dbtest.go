// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"testing"

	"github.com/intern3chat/threadline/internal/config"
	"github.com/intern3chat/threadline/internal/db"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory sqlite database that is closed when the
// test ends.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	gormDB, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })
	return gormDB
}

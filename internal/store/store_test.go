package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dukerupert/kinship/internal/database"
	"github.com/dukerupert/kinship/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createFamily(t *testing.T, db *sql.DB, name string) *model.Family {
	t.Helper()
	f, err := NewFamilyStore(db).Create(context.Background(), name)
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	return f
}

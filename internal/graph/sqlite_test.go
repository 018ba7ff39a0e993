package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteCreatesParentDir(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".proactor", "knowledge.db")

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := EnsureSQLiteSchema(ctx, db); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	store := NewSQLStore(db, DialectSQLite, 0)
	if _, err := store.AddNode(ctx, NodeInput{ID: "n1", Type: TypeConcept, Label: "first"}); err != nil {
		t.Fatal(err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Error("empty path accepted")
	}
}

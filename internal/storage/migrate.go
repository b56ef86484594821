package storage

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

const schemaName = "schema.sql"

// ApplySchema applies schema.sql once, recording its hash in the migrations table.
func ApplySchema(ctx context.Context, db DB) error {
	if err := ensureMigrationTable(ctx, db); err != nil {
		return err
	}
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(schema)))
	applied, err := isHashApplied(ctx, db, hash)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply %s: %w", schemaName, err)
	}
	_, err = db.Exec(ctx, `INSERT INTO migrations (name, hash) VALUES ($1,$2)`, schemaName, hash)
	return err
}

func ensureMigrationTable(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS migrations (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS migrations_name_hash_idx ON migrations(name, hash);
`)
	return err
}

func isHashApplied(ctx context.Context, db DB, hash string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM migrations WHERE name=$1 AND hash=$2)`, schemaName, hash).Scan(&exists)
	return exists, err
}

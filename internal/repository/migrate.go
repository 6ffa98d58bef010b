package repository

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schema string

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Connection) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

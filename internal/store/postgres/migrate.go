package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// Migrate applies the "-- +goose Up" section of every *.sql file in fsys, in
// name order, skipping files already recorded in schema_migrations.
func Migrate(ctx context.Context, db bun.IDB, fsys fs.FS) ([]string, error) {
	if _, err := db.NewRaw(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`).Exec(ctx); err != nil {
		return nil, err
	}

	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		var count int
		if err := db.NewRaw("SELECT count(*) FROM schema_migrations WHERE name = ?", name).Scan(ctx, &count); err != nil {
			return applied, err
		}
		if count > 0 {
			continue
		}

		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return applied, fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return applied, fmt.Errorf("%s: %w", name, err)
			}
		}
		if _, err := db.NewRaw("INSERT INTO schema_migrations (name) VALUES (?)", name).Exec(ctx); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}

	return applied, nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

package postgres

import (
	"testing"
)

func TestExtractGooseUp(t *testing.T) {
	sql := "-- +goose Up\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);\n\n-- +goose Down\nDROP TABLE b;\nDROP TABLE a;\n"

	up, err := extractGooseUp(sql)
	if err != nil {
		t.Fatalf("extractGooseUp error: %v", err)
	}
	want := "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);"
	if up != want {
		t.Fatalf("up = %q, want %q", up, want)
	}

	if _, err := extractGooseUp("CREATE TABLE a (id INT);"); err == nil {
		t.Fatalf("expected error for missing up marker")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (id INT);\n\n ;CREATE INDEX a_idx ON a (id);")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%q)", len(got), got)
	}
	if got[1] != "CREATE INDEX a_idx ON a (id)" {
		t.Fatalf("second statement = %q", got[1])
	}
}

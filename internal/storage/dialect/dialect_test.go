package dialect

import (
	"strings"
	"testing"
)

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driver   string
		expected string
		wantErr  bool
	}{
		{driver: "sqlite", expected: "sqlite"},
		{driver: "sqlite3", expected: "sqlite"},
		{driver: "SQLite", expected: "sqlite"},
		{driver: "postgres", expected: "postgres"},
		{driver: "pgx", expected: "postgres"},
		{driver: "mysql", wantErr: true},
		{driver: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := FromDriverName(tt.driver)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Name() != tt.expected {
				t.Errorf("expected dialect %q, got %q", tt.expected, d.Name())
			}
		})
	}
}

func TestPostgresRebind(t *testing.T) {
	d := &postgresDialect{}
	got := d.Rebind("SELECT * FROM runs WHERE pipeline = ? AND status = ? LIMIT ?")
	want := "SELECT * FROM runs WHERE pipeline = $1 AND status = $2 LIMIT $3"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestSQLiteRebindIsIdentity(t *testing.T) {
	d := &sqliteDialect{}
	q := "SELECT id FROM runs WHERE pipeline = ?"
	if got := d.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestUpsertClause(t *testing.T) {
	sq := (&sqliteDialect{}).UpsertClause("id", []string{"status", "report"})
	if !strings.Contains(sq, "ON CONFLICT(id) DO UPDATE SET") || !strings.Contains(sq, "status=excluded.status") {
		t.Errorf("unexpected sqlite upsert: %q", sq)
	}

	pg := (&postgresDialect{}).UpsertClause("id", nil)
	if pg != "ON CONFLICT (id) DO NOTHING" {
		t.Errorf("unexpected postgres upsert: %q", pg)
	}
}

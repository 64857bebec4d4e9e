package main

import "testing"

func TestDatabaseConfig(t *testing.T) {
	if _, err := databaseConfig(""); err == nil {
		t.Error("expected an error for an empty DATABASE_URL")
	}

	cfg, err := databaseConfig("postgres://u:p@localhost:5432/courier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL.Unmask() != "postgres://u:p@localhost:5432/courier" {
		t.Error("URL not carried through")
	}
	if cfg.MaxConns != 2 || cfg.MinConns != 0 {
		t.Errorf("pool sizing = %d/%d, want 2/0", cfg.MaxConns, cfg.MinConns)
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/event"
)

func TestOpenSQLite(t *testing.T) {
	c := config.Defaults()
	c.DB.Driver = "sqlite"
	c.DB.SQLitePath = filepath.Join(t.TempDir(), "guildhook.db")

	s, closeFn, err := Open(context.Background(), c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	eps, err := s.ListByScope(context.Background(), event.Scope("guild:1"))
	if err != nil {
		t.Fatalf("ListByScope on migrated schema: %v", err)
	}
	if len(eps) != 0 {
		t.Errorf("fresh database has %d endpoints", len(eps))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	c := config.Defaults()
	c.DB.Driver = "mysql"
	if _, _, err := Open(context.Background(), c); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

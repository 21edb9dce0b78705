package postgres

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@db/y", Host: "ignored"},
			want: "postgres://x@db/y",
		},
		{
			name: "defaults",
			cfg:  ClientConfig{Host: "localhost", Database: "polycopy", User: "bot", Password: "pw"},
			want: "postgres://bot:pw@localhost:5432/polycopy?sslmode=disable",
		},
		{
			name: "password is escaped",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "pc", User: "bot", Password: "p@ss/word", SSLMode: "require"},
			want: "postgres://bot:p%40ss%2Fword@db:6432/pc?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(ClientConfig{
		Host: "db", Database: "pc", User: "bot", Password: "p@ss",
		MaxConns: 7, MinConns: 2, MaxConnLifetime: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConnConfig.Password != "p@ss" {
		t.Errorf("password = %q", cfg.ConnConfig.Password)
	}
	if cfg.MaxConns != 7 || cfg.MinConns != 2 || cfg.MaxConnLifetime != time.Hour {
		t.Errorf("pool = max %d min %d lifetime %s", cfg.MaxConns, cfg.MinConns, cfg.MaxConnLifetime)
	}
	rt := cfg.ConnConfig.RuntimeParams
	if rt["application_name"] != ApplicationName || rt["lock_timeout"] != "10s" {
		t.Errorf("runtime params = %v", rt)
	}

	custom, err := poolConfig(ClientConfig{DSN: "postgres://bot@db/pc?application_name=settler"})
	if err != nil {
		t.Fatal(err)
	}
	if got := custom.ConnConfig.RuntimeParams["application_name"]; got != "settler" {
		t.Errorf("application_name = %q, want the DSN's", got)
	}
}

func TestMigrationFilesInOrder(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) < 2 || names[0] != "001_init.sql" || names[1] != "002_execution_markers.sql" {
		t.Fatalf("migrations = %v", names)
	}
	for _, n := range names {
		if !strings.HasSuffix(n, ".sql") {
			t.Fatalf("non-sql migration %q", n)
		}
	}
}

func TestRunMigrationsLeavesNothingPending(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}
	pending, err := c.PendingMigrations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after migrate = %v", pending)
	}
}

package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/iam-twofactor/internal/infra/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.PostgresSettings{
		Host:     "db.internal",
		Port:     5432,
		User:     "iam",
		Password: "p@ss/word?",
		Database: "iam",
		SSLMode:  "require",
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("ParseConfig(%q) returned error: %v", dsn, err)
	}
	if cfg.ConnConfig.Password != "p@ss/word?" {
		t.Fatalf("password not preserved, got %q", cfg.ConnConfig.Password)
	}
	if cfg.ConnConfig.Host != "db.internal" || cfg.ConnConfig.Port != 5432 || cfg.ConnConfig.Database != "iam" {
		t.Fatalf("unexpected connection config: %+v", cfg.ConnConfig.Config)
	}
}

package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Postgres-backed tests run only when CRM_TEST_POSTGRES=1 and a Docker daemon is
// available. One container is shared by the package and truncated per test.
var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgDSN       string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func postgresEnabled() bool {
	return os.Getenv("CRM_TEST_POSTGRES") == "1"
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	pgOnce.Do(func() {
		pgContainer, pgErr = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("crm-test"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		if pgErr != nil {
			return
		}
		pgDSN, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	if pgErr != nil {
		t.Fatalf("failed to start postgres container: %v", pgErr)
	}

	s, err := NewPostgresStore(WithPostgresDSN(pgDSN))
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, err = s.db.ExecContext(ctx, `TRUNCATE flows, steps, transitions, conversations, followup_messages,
		followup_sent, inbound_messages, outbox_messages`)
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	if !postgresEnabled() {
		t.Skip("set CRM_TEST_POSTGRES=1 to run Postgres store tests")
	}
	s := newTestPostgresStore(t)
	if s.db == nil {
		t.Fatal("expected open database handle")
	}
}

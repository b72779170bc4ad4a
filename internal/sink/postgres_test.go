//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/sink/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tailall/tailall/internal/sink"
)

// setupPostgres starts a PostgreSQL container and returns its connection
// string. The container is terminated when the test ends.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("tailall_test"),
		tcpostgres.WithUsername("tailall"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

func countRows(t *testing.T, pool *pgxpool.Pool, path string) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM tail_chunks WHERE path = $1`, path).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestPostgres_FlushOnBatchSize(t *testing.T) {
	ctx := context.Background()
	connStr := setupPostgres(t)

	// A long interval so only the batch size triggers a flush.
	p, err := sink.OpenPostgres(ctx, connStr, 3, time.Hour)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()

	raw, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer raw.Close()

	buf := []byte("line\n")
	for i := 0; i < 3; i++ {
		if err := p.Write(sink.Chunk{Path: "/a.log", Offset: int64(i * 5), Data: buf, Time: time.Now()}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// The tailer reuses its read buffer after Write returns.
	buf[0] = 'X'

	if n := countRows(t, raw, "/a.log"); n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	var data []byte
	if err := raw.QueryRow(ctx,
		`SELECT data FROM tail_chunks WHERE path = $1 ORDER BY id LIMIT 1`, "/a.log").Scan(&data); err != nil {
		t.Fatalf("select data: %v", err)
	}
	if string(data) != "line\n" {
		t.Errorf("data = %q, want %q", data, "line\n")
	}
}

func TestPostgres_CloseFlushesRemainder(t *testing.T) {
	ctx := context.Background()
	connStr := setupPostgres(t)

	p, err := sink.OpenPostgres(ctx, connStr, 100, time.Hour)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	if err := p.Write(sink.Chunk{Path: "/b.log", Data: []byte("tail"), Time: time.Now()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer raw.Close()

	if n := countRows(t, raw, "/b.log"); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

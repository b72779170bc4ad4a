package sink

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of chunks buffered before Write flushes
	// synchronously.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered chunks are flushed even when
	// the batch is not full.
	DefaultFlushInterval = 500 * time.Millisecond
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS tail_chunks (
    id          BIGSERIAL   PRIMARY KEY,
    path        TEXT        NOT NULL,
    file_offset BIGINT      NOT NULL,
    data        BYTEA       NOT NULL,
    read_at     TIMESTAMPTZ NOT NULL,
    session_id  TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tail_chunks_path ON tail_chunks (path, file_offset);
`

// Postgres archives chunks into PostgreSQL. Writes are batched in memory and
// sent in a single pgx.Batch round-trip, either when the batch fills or when
// the background ticker fires.
type Postgres struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Chunk
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// OpenPostgres connects to connStr, applies the schema and starts the
// background flush goroutine. Non-positive batchSize and flushInterval are
// replaced with the defaults.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		batch:         make([]Chunk, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Flush(context.Background())
		}
	}
}

// Banner is a no-op for the archive.
func (p *Postgres) Banner(string) error { return nil }

// Write buffers a copy of c. When the buffer reaches the batch size it is
// flushed before Write returns, so a slow database applies back-pressure.
func (p *Postgres) Write(c Chunk) error {
	c.Data = bytes.Clone(c.Data)

	p.mu.Lock()
	p.batch = append(p.batch, c)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(context.Background())
	}
	return nil
}

// Flush sends every buffered chunk in one batch.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	pending := p.batch
	p.batch = make([]Chunk, 0, p.batchSize)
	p.mu.Unlock()

	const query = `
		INSERT INTO tail_chunks (path, file_offset, data, read_at, session_id)
		VALUES ($1, $2, $3, $4, $5)`

	b := &pgx.Batch{}
	for _, c := range pending {
		b.Queue(query, c.Path, c.Offset, c.Data, c.Time.UTC(), c.Session)
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()
	for range pending {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres archive: insert: %w", err)
		}
	}
	return nil
}

// Close stops the flush goroutine, flushes what is left and closes the pool.
func (p *Postgres) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		err = p.Flush(context.Background())
		p.pool.Close()
	})
	return err
}

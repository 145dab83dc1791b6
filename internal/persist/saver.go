// Package persist keeps an optional Postgres snapshot of the store so a
// restarted node can re-advertise its pairs without waiting for peers to
// flood them back.
//
// Writes are applied behind the store: change events are queued and
// flushed in batches, so a crash can lose the tail of recent writes.
// The BGP mesh is the durability mechanism; the snapshot only warms the
// restart.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/metrics"
	"github.com/routekv/kvsd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kvsd_pairs (
    key        BYTEA PRIMARY KEY,
    value      BYTEA NOT NULL,
    version    INTEGER NOT NULL,
    compressed BOOLEAN NOT NULL DEFAULT false,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Migrate creates the snapshot schema. A single table needs neither a
// pool nor versioned migration files, so this dials one connection; an
// advisory lock still guards against two nodes migrating at once.
func Migrate(ctx context.Context, dsn string, logger *zap.Logger) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting for migration: %w", err)
	}
	defer conn.Close(ctx)

	const migrationLockID int64 = 0x6B767364 // "kvsd" as int64
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating kvsd_pairs table: %w", err)
	}
	logger.Info("snapshot schema ready")
	return nil
}

type opKind int

const (
	opUpsert opKind = iota
	opDelete
)

type op struct {
	kind    opKind
	key     []byte
	value   []byte
	version uint16
}

type Saver struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	compress bool

	batchSize     int
	flushInterval time.Duration

	ops chan op
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewSaver connects to the snapshot database and prepares the
// write-behind queue. The saver owns the pool; Close releases it.
func NewSaver(ctx context.Context, dsn string, maxConns, minConns int32, compress bool, batchSize, flushIntervalMs int, logger *zap.Logger) (*Saver, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot DSN: %w", err)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging snapshot database: %w", err)
	}
	logger.Info("snapshot database connected",
		zap.String("db", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", maxConns),
		zap.Bool("compress_values", compress),
	)

	s, err := newSaver(pool, compress, batchSize, flushIntervalMs, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newSaver(pool *pgxpool.Pool, compress bool, batchSize, flushIntervalMs int, logger *zap.Logger) (*Saver, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder init: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init: %w", err)
	}
	return &Saver{
		pool:          pool,
		logger:        logger,
		compress:      compress,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		ops:           make(chan op, 4*batchSize),
		enc:           enc,
		dec:           dec,
	}, nil
}

// Close releases the database pool. Call after Run has returned.
func (s *Saver) Close() {
	s.pool.Close()
}

// Changed implements store.Listener. Runs under the store's write lock,
// so it only queues.
func (s *Saver) Changed(key, value []byte, version uint16, _ *uint16) {
	s.enqueue(op{kind: opUpsert, key: append([]byte(nil), key...), value: append([]byte(nil), value...), version: version})
}

// Removed implements store.Listener.
func (s *Saver) Removed(key []byte, lastVersion uint16) {
	s.enqueue(op{kind: opDelete, key: append([]byte(nil), key...), version: lastVersion})
}

func (s *Saver) enqueue(o op) {
	select {
	case s.ops <- o:
	default:
		// Never stall the store writer on the database. The mesh still
		// has the pair; only restart warm-up misses it.
		metrics.PersistOpsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("snapshot queue full, dropping op", zap.ByteString("key", o.key))
	}
}

// Run flushes queued ops until the context is cancelled, then drains
// with a short grace period.
func (s *Saver) Run(ctx context.Context) {
	var batch []op
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.flush(ctx, batch); err != nil {
			s.logger.Error("snapshot flush failed", zap.Error(err))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh context so pending writes are
			// not immediately cancelled.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		drain:
			for {
				select {
				case o := <-s.ops:
					batch = append(batch, o)
				default:
					break drain
				}
			}
			flush(shutdownCtx)
			return

		case o := <-s.ops:
			batch = append(batch, o)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *Saver) flush(ctx context.Context, ops []op) error {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
		INSERT INTO kvsd_pairs (key, value, version, compressed, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, version = EXCLUDED.version,
		    compressed = EXCLUDED.compressed, updated_at = now()`
	const deleteSQL = `DELETE FROM kvsd_pairs WHERE key = $1 AND version = $2`

	batch := &pgx.Batch{}
	for _, o := range ops {
		switch o.kind {
		case opUpsert:
			value := o.value
			if s.compress {
				value = s.enc.EncodeAll(o.value, nil)
			}
			batch.Queue(upsertSQL, o.key, value, int32(o.version), s.compress)
		case opDelete:
			batch.Queue(deleteSQL, o.key, int32(o.version))
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i, o := range ops {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("snapshot op[%d]: %w", i, err)
		}
		if o.kind == opUpsert {
			metrics.PersistOpsTotal.WithLabelValues("upsert").Inc()
		} else {
			metrics.PersistOpsTotal.WithLabelValues("delete").Inc()
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.PersistWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Load reads the whole snapshot, for seeding the store before the first
// advertiser replay.
func (s *Saver) Load(ctx context.Context) ([]store.Pair, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, version, compressed FROM kvsd_pairs`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	defer rows.Close()

	var pairs []store.Pair
	for rows.Next() {
		var key, value []byte
		var version int32
		var compressed bool
		if err := rows.Scan(&key, &value, &version, &compressed); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		if compressed {
			value, err = s.dec.DecodeAll(value, nil)
			if err != nil {
				return nil, fmt.Errorf("decompressing value for key %q: %w", key, err)
			}
		}
		pairs = append(pairs, store.Pair{Key: key, Value: value, Version: uint16(version)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return pairs, nil
}

// Ping satisfies the HTTP server's database readiness check.
func (s *Saver) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

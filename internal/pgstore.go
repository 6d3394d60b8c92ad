package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

const _pgSchema = `
	CREATE TABLE IF NOT EXISTS cache (
		key     TEXT PRIMARY KEY,
		value   BYTEA NOT NULL,
		expires TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires);
`

// DurableStore opens the Postgres cache layer, or returns nil when no DSN
// is configured.
func DurableStore(ctx context.Context, dsn string) (store.StoreInterface, error) {
	if dsn == "" {
		return nil, nil
	}
	return NewPGStore(ctx, dsn)
}

// PGStore is a durable gocache layer on Postgres. It backs the API shard so
// expensive long-TTL responses survive restarts. Expired rows are skipped on
// read and swept in the background.
type PGStore struct {
	pool *pgxpool.Pool
	stop context.CancelFunc
}

var _ store.StoreInterface = (*PGStore)(nil)

// NewPGStore connects, ensures the schema, and starts the expiry sweeper.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to cache database: %w", err)
	}
	if _, err := pool.Exec(ctx, _pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring cache schema: %w", err)
	}

	sweepCtx, stop := context.WithCancel(context.Background())
	p := &PGStore{pool: pool, stop: stop}
	go p.sweep(sweepCtx)
	return p, nil
}

func (p *PGStore) sweep(ctx context.Context) {
	tick := time.NewTicker(10 * time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			tag, err := p.pool.Exec(ctx, `DELETE FROM cache WHERE expires < now()`)
			if err != nil {
				Log(ctx).Warn("problem sweeping cache", "err", err)
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				Log(ctx).Debug("swept expired cache rows", "rows", n)
			}
		}
	}
}

// Close stops the sweeper and releases the pool.
func (p *PGStore) Close() {
	p.stop()
	p.pool.Close()
}

func (p *PGStore) Get(ctx context.Context, key any) (any, error) {
	v, _, err := p.GetWithTTL(ctx, key)
	return v, err
}

func (p *PGStore) GetWithTTL(ctx context.Context, key any) (any, time.Duration, error) {
	var value []byte
	var expires time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT value, expires FROM cache WHERE key = $1 AND expires > now()`,
		fmt.Sprint(key),
	).Scan(&value, &expires)
	if err != nil {
		return nil, 0, store.NotFoundWithCause(err)
	}
	return value, time.Until(expires), nil
}

func (p *PGStore) Set(ctx context.Context, key any, value any, options ...store.Option) error {
	opts := store.ApplyOptions(options...)
	ttl := opts.Expiration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected cache value type %T", value)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cache (key, value, expires) VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires = now() + $3`,
		fmt.Sprint(key), b, ttl,
	)
	return err
}

func (p *PGStore) Delete(ctx context.Context, key any) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM cache WHERE key = $1`, fmt.Sprint(key))
	return err
}

func (p *PGStore) Invalidate(ctx context.Context, options ...store.InvalidateOption) error {
	return nil // tag invalidation is unused here
}

func (p *PGStore) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE cache`)
	return err
}

func (p *PGStore) GetType() string { return "postgres" }

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs credential bindings with Postgres for deployments
// running more than one instance. Token payloads are stored as JSONB.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS calendar_credentials (
//	    user_id    text PRIMARY KEY,
//	    email      text NOT NULL,
//	    token      jsonb NOT NULL,
//	    created_at timestamptz NOT NULL DEFAULT now(),
//	    updated_at timestamptz NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ReadyCheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return errors.New("db not configured")
		}
		return pool.Ping(ctx)
	}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Binding, error) {
	if userID == "" {
		return Binding{}, ErrNoBinding
	}
	var (
		b        Binding
		tokenRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, email, token, created_at, updated_at
		FROM calendar_credentials
		WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Email, &tokenRaw, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Binding{}, ErrNoBinding
	}
	if err != nil {
		return Binding{}, fmt.Errorf("select credential record: %w", err)
	}
	if err := json.Unmarshal(tokenRaw, &b.Token); err != nil {
		return Binding{}, fmt.Errorf("decode token payload: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Put(ctx context.Context, b Binding) error {
	if b.UserID == "" {
		return errors.New("binding user id is required")
	}
	tokenRaw, err := json.Marshal(b.Token)
	if err != nil {
		return fmt.Errorf("encode token payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO calendar_credentials (user_id, email, token, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email,
			token = EXCLUDED.token,
			updated_at = now()
	`, b.UserID, b.Email, tokenRaw)
	if err != nil {
		return fmt.Errorf("upsert credential record: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

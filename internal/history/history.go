package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/therealutkarshpriyadarshi/livegate/internal/broadcast"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
)

// DB wraps the broadcast history connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// BroadcastRecord is one row of broadcast history.
type BroadcastRecord struct {
	ID            int64      `json:"id"`
	SessionID     string     `json:"sessionId"`
	ChannelNumber string     `json:"channelNumber"`
	ChannelName   string     `json:"channelName"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// Repository records broadcast lifetimes
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the broadcast history table if it does not exist
func (r *Repository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS broadcasts (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel_number TEXT NOT NULL,
			channel_name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)
	`

	if _, err := r.db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create broadcasts table: %w", err)
	}

	return nil
}

// StartBroadcast inserts the start-of-broadcast row and returns its id
func (r *Repository) StartBroadcast(ctx context.Context, info broadcast.BroadcastInfo) (int64, error) {
	query := `
		INSERT INTO broadcasts (session_id, channel_number, channel_name, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	var id int64
	err := r.db.Pool.QueryRow(ctx, query,
		info.SessionID, info.Channel.GuideNumber, info.Channel.GuideName, info.StartedAt,
	).Scan(&id)

	if err != nil {
		return 0, fmt.Errorf("failed to record broadcast start: %w", err)
	}

	return id, nil
}

// EndBroadcast stamps the end time on a broadcast row
func (r *Repository) EndBroadcast(ctx context.Context, id int64) error {
	query := `
		UPDATE broadcasts
		SET ended_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
	`

	if _, err := r.db.Pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to record broadcast end: %w", err)
	}

	return nil
}

// LatestBroadcasts retrieves the most recent broadcasts, newest first
func (r *Repository) LatestBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, session_id, channel_number, channel_name, started_at, ended_at
		FROM broadcasts
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	defer rows.Close()

	var records []BroadcastRecord
	for rows.Next() {
		var rec BroadcastRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ChannelNumber, &rec.ChannelName, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read broadcast rows: %w", err)
	}

	return records, nil
}

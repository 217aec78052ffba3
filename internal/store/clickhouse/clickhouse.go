// Package clickhouse implements the analytics tier as an append-only
// MergeTree table. Rows carry the dimensions aggregate queries need;
// the payload text itself stays out of the columnar copy.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"atlas/internal/logging"
	"atlas/internal/store"
)

type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	// Table is the target table name. Empty means "atlas_chunks".
	Table  string
	Logger *slog.Logger
}

type Analytics struct {
	cfg    Config
	conn   driver.Conn
	logger *slog.Logger
}

func New(cfg Config) (*Analytics, error) {
	if cfg.Table == "" {
		cfg.Table = "atlas_chunks"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	return &Analytics{
		cfg:    cfg,
		conn:   conn,
		logger: logging.Default(cfg.Logger).With("component", "clickhouse"),
	}, nil
}

func (a *Analytics) Ready(ctx context.Context) error {
	if err := a.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id            UUID,
			source_id           UUID,
			file_path           String,
			file_type           LowCardinality(String),
			content_type        LowCardinality(String),
			chunk_index         UInt32,
			char_count          UInt32,
			consolidation_level UInt16,
			qntm_key_count      UInt16,
			ingested_at         DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (ingested_at, chunk_id)`, a.cfg.Table)
	if err := a.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	return nil
}

func (a *Analytics) Append(ctx context.Context, chunks []store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+a.cfg.Table)
	if err != nil {
		return fmt.Errorf("clickhouse batch: %w", err)
	}
	for _, ch := range chunks {
		ingested := ch.UpdatedAt
		if ingested.IsZero() {
			ingested = time.Now()
		}
		err := batch.Append(
			ch.ID.String(),
			ch.SourceID.String(),
			ch.Payload.FilePath,
			ch.Payload.FileType,
			string(ch.Payload.ContentType),
			uint32(ch.ChunkIndex),
			uint32(ch.CharCount),
			uint16(ch.ConsolidationLevel),
			uint16(len(ch.Payload.QNTMKeys)),
			ingested,
		)
		if err != nil {
			return fmt.Errorf("clickhouse append %s: %w", ch.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send %d rows: %w", len(chunks), err)
	}
	return nil
}

// Purge issues a lightweight delete for vacuumed chunk ids. ClickHouse
// applies it asynchronously, which is fine for an analytics copy.
func (a *Analytics) Purge(ctx context.Context, ids []store.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE chunk_id IN (?)", a.cfg.Table)
	if err := a.conn.Exec(ctx, query, strs); err != nil {
		return fmt.Errorf("clickhouse purge %d rows: %w", len(ids), err)
	}
	return nil
}

func (a *Analytics) Close() error {
	return a.conn.Close()
}

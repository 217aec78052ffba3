// Package valkey implements the cache tier on a Valkey or Redis server.
//
// Chunk payloads are msgpack-encoded and zstd-compressed before they
// hit the wire. The cache is strictly best-effort: a miss or a decode
// failure surfaces as ErrCacheMiss and the coordinator falls back to
// the metadata tier.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"atlas/internal/logging"
	"atlas/internal/store"
)

const keyPrefix = "atlas:chunk:"

type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a chunk stays cached. Zero means 1h.
	TTL    time.Duration
	Logger *slog.Logger
}

type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

func New(cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl:     cfg.TTL,
		encoder: encoder,
		decoder: decoder,
		logger:  logging.Default(cfg.Logger).With("component", "valkey"),
	}, nil
}

// cachedChunk is the wire shape. A version byte in the key space is
// avoided by versioning the struct itself.
type cachedChunk struct {
	Version int         `msgpack:"v"`
	Chunk   store.Chunk `msgpack:"c"`
}

const codecVersion = 1

func (c *Cache) GetChunk(ctx context.Context, id store.ChunkID) (*store.Chunk, error) {
	raw, err := c.client.Get(ctx, keyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}
	chunk, err := c.decode(raw)
	if err != nil {
		// A corrupt entry is treated as a miss; the next Hydrate
		// overwrites it with a fresh copy.
		c.logger.Warn("cache entry undecodable, treating as miss", "chunk", id, "error", err)
		return nil, store.ErrCacheMiss
	}
	return chunk, nil
}

func (c *Cache) SetChunk(ctx context.Context, chunk store.Chunk) error {
	raw, err := c.encode(chunk)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", chunk.ID, err)
	}
	if err := c.client.Set(ctx, keyPrefix+chunk.ID.String(), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", chunk.ID, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, ids []store.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id.String()
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Cache) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.client.Close()
}

func (c *Cache) encode(chunk store.Chunk) ([]byte, error) {
	packed, err := msgpack.Marshal(cachedChunk{Version: codecVersion, Chunk: chunk})
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(packed, nil), nil
}

func (c *Cache) decode(raw []byte) (*store.Chunk, error) {
	packed, err := c.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, err
	}
	var cached cachedChunk
	if err := msgpack.Unmarshal(packed, &cached); err != nil {
		return nil, err
	}
	if cached.Version != codecVersion {
		return nil, fmt.Errorf("codec version %d", cached.Version)
	}
	return &cached.Chunk, nil
}

// Package config loads and validates the daemon configuration.
//
// Configuration is a YAML file with an optional .env overlay loaded
// first, so secrets stay out of the YAML: any string value may use
// ${VAR} expansion against the process environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        Server        `yaml:"server"`
	Storage       Storage       `yaml:"storage"`
	Backends      Backends      `yaml:"backends"`
	Ingest        Ingest        `yaml:"ingest"`
	Retrieval     Retrieval     `yaml:"retrieval"`
	Consolidation Consolidation `yaml:"consolidation"`
	Vacuum        Vacuum        `yaml:"vacuum"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Storage struct {
	Postgres    Postgres    `yaml:"postgres"`
	Valkey      Valkey      `yaml:"valkey"`
	Meilisearch Meilisearch `yaml:"meilisearch"`
	ClickHouse  ClickHouse  `yaml:"clickhouse"`
	Vector      VectorDB    `yaml:"vector"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Valkey struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Meilisearch struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"apiKey"`
	Index  string `yaml:"index"`
}

type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type VectorDB struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"apiKey"`
	UseTLS     bool   `yaml:"useTLS"`
	Collection string `yaml:"collection"`
}

// Backends binds capabilities to ordered backend id lists and defines
// each backend instance.
type Backends struct {
	Bindings    map[string][]string          `yaml:"bindings"`
	Definitions map[string]BackendDefinition `yaml:"definitions"`
}

type BackendDefinition struct {
	// Type selects the adapter: openai-embedding, openai-json,
	// anthropic-json, rerank-http, hashembed.
	Type    string `yaml:"type"`
	Model   string `yaml:"model"`
	Dim     int    `yaml:"dim"`
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	// MaxDocuments bounds rerank batch size.
	MaxDocuments int `yaml:"maxDocuments"`
}

type Ingest struct {
	Workers      int           `yaml:"workers"`
	Retries      int           `yaml:"retries"`
	Backoff      time.Duration `yaml:"backoff"`
	IgnoreGlobs  []string      `yaml:"ignoreGlobs"`
	MaxFileBytes int64         `yaml:"maxFileBytes"`
	Debounce     time.Duration `yaml:"debounce"`
}

type Retrieval struct {
	// Overfetch scales the candidate stage; OverfetchRerank applies
	// instead when a request asks for reranking.
	Overfetch            float64 `yaml:"overfetch"`
	OverfetchRerank      float64 `yaml:"overfetchRerank"`
	RRFK                 int     `yaml:"rrfK"`
	ResultOverheadTokens int     `yaml:"resultOverheadTokens"`
}

type Consolidation struct {
	MaxPairsPerRun int    `yaml:"maxPairsPerRun"`
	Schedule       string `yaml:"schedule"`
}

type Vacuum struct {
	GraceDays int    `yaml:"graceDays"`
	Schedule  string `yaml:"schedule"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: Server{Addr: "127.0.0.1:7423"},
		Storage: Storage{
			Valkey:      Valkey{TTL: 15 * time.Minute},
			Meilisearch: Meilisearch{Index: "atlas_chunks"},
			Vector:      VectorDB{Port: 6334, Collection: "atlas_chunks"},
		},
		Ingest: Ingest{
			Workers:      4,
			Retries:      3,
			Backoff:      250 * time.Millisecond,
			MaxFileBytes: 5 << 20,
			Debounce:     500 * time.Millisecond,
		},
		Retrieval: Retrieval{
			Overfetch:            1.5,
			OverfetchRerank:      4,
			RRFK:                 60,
			ResultOverheadTokens: 8,
		},
		Consolidation: Consolidation{MaxPairsPerRun: 64},
		Vacuum:        Vacuum{GraceDays: 14, Schedule: "17 3 * * *"},
	}
}

// Load reads the YAML config at path, applying defaults for anything
// unset. envPath, when non-empty and present, is loaded into the
// process environment first. A missing config file yields defaults.
func Load(path, envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env %s: %w", envPath, err)
		}
	}

	cfg := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as obscure
// runtime failures.
func (c *Config) Validate() error {
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("retrieval.rrfK must be positive, got %d", c.Retrieval.RRFK)
	}
	if c.Retrieval.Overfetch < 1 {
		return fmt.Errorf("retrieval.overfetch must be >= 1, got %v", c.Retrieval.Overfetch)
	}
	if c.Retrieval.OverfetchRerank < 1 {
		return fmt.Errorf("retrieval.overfetchRerank must be >= 1, got %v", c.Retrieval.OverfetchRerank)
	}
	if c.Vacuum.GraceDays < 0 {
		return fmt.Errorf("vacuum.graceDays must not be negative, got %d", c.Vacuum.GraceDays)
	}
	for capability, ids := range c.Backends.Bindings {
		for _, id := range ids {
			if _, ok := c.Backends.Definitions[id]; !ok {
				return fmt.Errorf("backends.bindings[%s] references undefined backend %q", capability, id)
			}
		}
	}
	for id, def := range c.Backends.Definitions {
		switch def.Type {
		case "openai-embedding", "openai-json", "anthropic-json", "rerank-http", "hashembed":
		case "":
			return fmt.Errorf("backend %q has no type", id)
		default:
			return fmt.Errorf("backend %q has unknown type %q", id, def.Type)
		}
	}
	return nil
}

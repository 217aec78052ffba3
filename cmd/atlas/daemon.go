package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"atlas/internal/backend"
	"atlas/internal/backend/anthropic"
	"atlas/internal/backend/hashembed"
	"atlas/internal/backend/openai"
	"atlas/internal/backend/rerank"
	"atlas/internal/chunker"
	"atlas/internal/config"
	"atlas/internal/consolidate"
	"atlas/internal/home"
	"atlas/internal/pipeline"
	"atlas/internal/qntm"
	"atlas/internal/retrieve"
	"atlas/internal/server"
	"atlas/internal/store"
	"atlas/internal/store/clickhouse"
	"atlas/internal/store/meili"
	"atlas/internal/store/memory"
	"atlas/internal/store/postgres"
	"atlas/internal/store/qdrant"
	"atlas/internal/store/valkey"
	"atlas/internal/tracker"
	"atlas/internal/watcher"
)

type runOptions struct {
	Home      string
	Addr      string
	Bootstrap bool
}

// run assembles the daemon and blocks until shutdown. Teardown order:
// RPC server (drain), watcher, scheduler, coordinator (drain queues,
// stop consumers, close tiers), backend registry.
func run(ctx context.Context, logger *slog.Logger, opts runOptions) error {
	dir, err := resolveHome(opts.Home)
	if err != nil {
		return err
	}
	if err := dir.EnsureExists(); err != nil {
		return err
	}

	cfg, err := config.Load(dir.ConfigPath(), dir.EnvPath())
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	reg := buildRegistry(cfg, logger, opts.Bootstrap)
	defer reg.Shutdown()

	tiers, err := buildTiers(ctx, cfg, logger, opts.Bootstrap)
	if err != nil {
		return err
	}

	coord, err := store.NewCoordinator(tiers, store.Config{
		Logger:      logger,
		CacheTTL:    cfg.Storage.Valkey.TTL,
		GraceWindow: time.Duration(cfg.Vacuum.GraceDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	if err := coord.Ready(ctx); err != nil {
		return fmt.Errorf("storage not ready: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}

	tr := tracker.New(coord, logger)
	ch := chunker.New(chunker.Config{SkipOver: cfg.Ingest.MaxFileBytes})

	var keyResolver qntm.Resolver
	if !opts.Bootstrap {
		keyResolver = reg
	}
	keys := qntm.New(keyResolver, 8, logger)

	pipe := pipeline.New(pipeline.Config{
		Logger:        logger,
		Workers:       cfg.Ingest.Workers,
		RetryAttempts: cfg.Ingest.Retries,
		RetryBase:     cfg.Ingest.Backoff,
		IgnoreGlobs:   cfg.Ingest.IgnoreGlobs,
	}, tr, ch, reg, keys, coord)

	engine := retrieve.New(retrieve.Config{
		Logger:          logger,
		RRFK:            cfg.Retrieval.RRFK,
		Overfetch:       cfg.Retrieval.Overfetch,
		OverfetchRerank: cfg.Retrieval.OverfetchRerank,
		TokenOverhead:   cfg.Retrieval.ResultOverheadTokens,
	}, coord, reg)

	cons, err := consolidate.New(consolidate.Config{
		Logger:         logger,
		MaxPairsPerRun: cfg.Consolidation.MaxPairsPerRun,
	}, coord, reg)
	if err != nil {
		return err
	}

	watch, err := watcher.New(watcher.Config{
		Logger:      logger,
		Debounce:    cfg.Ingest.Debounce,
		IgnoreGlobs: cfg.Ingest.IgnoreGlobs,
	}, pipe)
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := watch.Run(watchCtx); err != nil && watchCtx.Err() == nil {
			logger.Error("watcher stopped", "error", err)
		}
	}()

	sched, err := buildScheduler(cfg, logger, coord, cons)
	if err != nil {
		return err
	}
	sched.Start()

	shutdownCtx, requestShutdown := context.WithCancel(ctx)
	defer requestShutdown()

	srv := server.New(server.Deps{
		Pipeline:     pipe,
		Retriever:    engine,
		Consolidator: cons,
		Coordinator:  coord,
		Registry:     reg,
		Watch:        watch.Add,
		Shutdown:     func(drain bool) { requestShutdown() },
	}, server.Config{Logger: logger, Addr: cfg.Server.Addr})

	if err := srv.Start(shutdownCtx); err != nil {
		return err
	}
	logger.Info("atlas running", "addr", srv.Addr(), "bootstrap", opts.Bootstrap)

	<-shutdownCtx.Done()
	logger.Info("shutting down")

	stopTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(stopTimeout); err != nil {
		logger.Warn("server stop failed", "error", err)
	}
	stopWatch()
	if err := watch.Close(); err != nil {
		logger.Warn("watcher close failed", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", "error", err)
	}
	if err := coord.Drain(stopTimeout); err != nil {
		logger.Warn("reconcile drain incomplete", "error", err)
	}
	if err := coord.Stop(stopTimeout); err != nil {
		logger.Warn("coordinator stop failed", "error", err)
	}
	if err := coord.Close(); err != nil {
		logger.Warn("tier close failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func resolveHome(flag string) (home.Dir, error) {
	if flag != "" {
		return home.New(flag), nil
	}
	return home.Default()
}

// buildTiers constructs the five storage tiers. Bootstrap mode swaps
// every tier for its in-memory implementation.
func buildTiers(ctx context.Context, cfg config.Config, logger *slog.Logger, bootstrap bool) (store.Tiers, error) {
	if bootstrap {
		return store.Tiers{
			Metadata:  memory.NewMetadata(),
			Vector:    memory.NewVector(),
			FullText:  memory.NewFullText(),
			Cache:     memory.NewCache(cfg.Storage.Valkey.TTL),
			Analytics: memory.NewAnalytics(),
		}, nil
	}

	if cfg.Storage.Postgres.DSN == "" {
		return store.Tiers{}, fmt.Errorf("storage.postgres.dsn is required (or use --bootstrap)")
	}
	metadata, err := postgres.New(ctx, postgres.Config{DSN: cfg.Storage.Postgres.DSN, Logger: logger})
	if err != nil {
		return store.Tiers{}, err
	}

	vector, err := qdrant.New(qdrant.Config{
		Host:        cfg.Storage.Vector.Host,
		Port:        cfg.Storage.Vector.Port,
		APIKey:      cfg.Storage.Vector.APIKey,
		UseTLS:      cfg.Storage.Vector.UseTLS,
		Collection:  cfg.Storage.Vector.Collection,
		VectorSizes: vectorSizes(cfg),
		Logger:      logger,
	})
	if err != nil {
		return store.Tiers{}, err
	}

	cache, err := valkey.New(valkey.Config{
		Addr:     cfg.Storage.Valkey.Addr,
		Password: cfg.Storage.Valkey.Password,
		DB:       cfg.Storage.Valkey.DB,
		TTL:      cfg.Storage.Valkey.TTL,
		Logger:   logger,
	})
	if err != nil {
		return store.Tiers{}, err
	}

	fulltext := meili.New(meili.Config{
		URL:    cfg.Storage.Meilisearch.Host,
		APIKey: cfg.Storage.Meilisearch.APIKey,
		Index:  cfg.Storage.Meilisearch.Index,
		Logger: logger,
	})

	tiers := store.Tiers{
		Metadata: metadata,
		Vector:   vector,
		Cache:    cache,
		FullText: fulltext,
	}

	// Analytics is optional; the coordinator runs without it.
	if cfg.Storage.ClickHouse.Addr != "" {
		analytics, err := clickhouse.New(clickhouse.Config{
			Addr:     cfg.Storage.ClickHouse.Addr,
			Database: cfg.Storage.ClickHouse.Database,
			Username: cfg.Storage.ClickHouse.Username,
			Password: cfg.Storage.ClickHouse.Password,
			Logger:   logger,
		})
		if err != nil {
			return store.Tiers{}, err
		}
		tiers.Analytics = analytics
	}
	return tiers, nil
}

// vectorSizes derives the named-vector widths from the first embedding
// backend bound to each modality.
func vectorSizes(cfg config.Config) map[string]uint64 {
	sizes := make(map[string]uint64)
	for capability, name := range map[string]string{
		"text-embedding": pipeline.VectorText,
		"code-embedding": pipeline.VectorCode,
	} {
		for _, id := range cfg.Backends.Bindings[capability] {
			if def, ok := cfg.Backends.Definitions[id]; ok && def.Dim > 0 {
				sizes[name] = uint64(def.Dim)
				break
			}
		}
	}
	if len(sizes) == 0 {
		sizes[pipeline.VectorText] = uint64(hashembed.DefaultDimensions)
	}
	return sizes
}

// buildRegistry registers every configured backend definition and
// binds capabilities in the configured fallback order.
func buildRegistry(cfg config.Config, logger *slog.Logger, bootstrap bool) *backend.Registry {
	reg := backend.NewRegistry(backend.Config{Logger: logger})

	if bootstrap {
		reg.Register("dev", func(l *slog.Logger) (backend.Backend, error) {
			return hashembed.New("dev", hashembed.DefaultDimensions), nil
		})
		reg.Bind(backend.CapTextEmbedding, "dev")
		reg.Bind(backend.CapCodeEmbedding, "dev")
		return reg
	}

	for id, def := range cfg.Backends.Definitions {
		reg.Register(id, backendFactory(id, def, capabilitiesFor(cfg, id)))
	}
	for capability, ids := range cfg.Backends.Bindings {
		reg.Bind(backend.Capability(capability), ids...)
	}
	return reg
}

// capabilitiesFor collects every capability whose binding list names id.
func capabilitiesFor(cfg config.Config, id string) []backend.Capability {
	var out []backend.Capability
	for capability, ids := range cfg.Backends.Bindings {
		for _, bound := range ids {
			if bound == id {
				out = append(out, backend.Capability(capability))
				break
			}
		}
	}
	return out
}

func backendFactory(id string, def config.BackendDefinition, caps []backend.Capability) backend.Factory {
	return func(logger *slog.Logger) (backend.Backend, error) {
		switch def.Type {
		case "openai-embedding", "openai-json":
			cfg := openai.Config{
				ID:           id,
				APIKey:       def.APIKey,
				BaseURL:      def.BaseURL,
				Capabilities: caps,
			}
			if def.Type == "openai-embedding" {
				cfg.EmbeddingModel = def.Model
				cfg.EmbeddingDims = def.Dim
			} else {
				cfg.CompletionModel = def.Model
			}
			return openai.New(cfg, logger), nil
		case "anthropic-json":
			return anthropic.New(anthropic.Config{
				ID:     id,
				APIKey: def.APIKey,
				Model:  def.Model,
			}, logger), nil
		case "rerank-http":
			return rerank.New(rerank.Config{
				ID:           id,
				URL:          def.BaseURL,
				APIKey:       def.APIKey,
				Model:        def.Model,
				MaxDocuments: def.MaxDocuments,
			}, logger), nil
		case "hashembed":
			dims := def.Dim
			if dims <= 0 {
				dims = hashembed.DefaultDimensions
			}
			return hashembed.New(id, dims), nil
		default:
			return nil, fmt.Errorf("unknown backend type %q for %q", def.Type, id)
		}
	}
}

func buildScheduler(cfg config.Config, logger *slog.Logger, coord *store.Coordinator, cons *consolidate.Engine) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	if cfg.Vacuum.Schedule != "" {
		_, err = sched.NewJob(
			gocron.CronJob(cfg.Vacuum.Schedule, false),
			gocron.NewTask(func() {
				purged, err := coord.Vacuum(context.Background())
				if err != nil {
					logger.Warn("scheduled vacuum failed", "error", err)
					return
				}
				if purged > 0 {
					logger.Info("vacuum purged chunks", "count", purged)
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule vacuum: %w", err)
		}
	}

	if cfg.Consolidation.Schedule != "" {
		_, err = sched.NewJob(
			gocron.CronJob(cfg.Consolidation.Schedule, false),
			gocron.NewTask(func() {
				if _, err := cons.Run(context.Background()); err != nil {
					logger.Warn("scheduled consolidation failed", "error", err)
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule consolidation: %w", err)
		}
	}

	return sched, nil
}

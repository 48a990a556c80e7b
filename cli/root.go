// Package cli provides the weave command-line interface: the combined
// API-server-plus-worker process started by the root command, and a
// worker-only mode for scaled-out deployments. It assembles the full
// runtime from configuration: control-plane store, incremental-sync
// ledger, Redis job queue, progress bus, destinations, transformer and
// source registries, the sync orchestrator, and the query side.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"weave.evalgo.org/api"
	"weave.evalgo.org/common"
	"weave.evalgo.org/config"
	"weave.evalgo.org/dag"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/ledger"
	"weave.evalgo.org/orchestrator"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/search"
	"weave.evalgo.org/security"
	"weave.evalgo.org/source"
	"weave.evalgo.org/store"
	"weave.evalgo.org/transformer"
	"weave.evalgo.org/worker"
)

// cfgFile holds the path given via --config. Empty means the standard
// search locations (./config.yaml, ./configs, ~/.weave, /etc/weave).
var cfgFile string

// RootCmd starts the combined weave process: HTTP API, scheduler, and
// sync worker pool in one binary. Deployments that scale ingestion
// separately run `weave worker` alongside.
var RootCmd = &cobra.Command{
	Use:   "weave",
	Short: "multi-tenant data sync and vector search service",
	Long: `Weave Sync Service

Continuously syncs data from third-party sources (S3, Postgres, Gitea)
into vector-search collections and serves hybrid search over them:
- RESTful API for managing sync connections and jobs
- Tenant-scoped JWT and API-key authentication
- Redis-backed job queue with scheduled syncs
- Incremental syncs via a content-hash ledger
- Live job progress over server-sent events
- Neural, keyword, and hybrid search with optional LLM reranking

Configuration comes from config files, .env, and WEAVE_-prefixed
environment variables, in that precedence order.`,
	Run: runServe,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.weave, /etc/weave)")
	RootCmd.PersistentFlags().Int("port", 0, "HTTP server port override")
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	return cfg, nil
}

// runtime is the assembled service graph.
type runtime struct {
	cfg *config.Config
	log *logrus.Logger

	store        store.Store
	ledger       ledger.Ledger
	queue        *queue.Queue
	bus          *progress.Bus
	destinations map[string]destination.Destination
	sources      *source.Registry
	transformers *transformer.Registry
	pool         *worker.Pool
	searcher     *search.Searcher
	jwt          *security.JWTService
}

// buildRuntime wires every component from configuration.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	log := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
	})

	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		gs, err := store.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = gs
	default:
		st = store.NewMemoryStore()
	}

	var led ledger.Ledger
	switch cfg.Ledger.Driver {
	case "bolt":
		bl, err := ledger.OpenBolt(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		led = bl
	case "postgres":
		pl, err := ledger.OpenPostgres(cfg.LedgerDSN())
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		led = pl
	default:
		led = ledger.NewMemoryLedger()
	}

	q, err := queue.NewQueue(ctx, queue.Config{RedisURL: cfg.Redis.URL, KeyPrefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}

	// Progress events serve local SSE subscribers directly and are
	// mirrored to Redis for subscribers on other nodes.
	bus := progress.NewBus()
	var pub progress.Publisher = bus
	if redisBus, err := progress.NewRedisBus(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix+"progress:"); err == nil {
		pub = progress.MultiPublisher{bus, redisBus}
	} else {
		log.WithError(err).Warn("progress events stay node-local, redis bridge unavailable")
	}

	var dest destination.Destination
	if cfg.Store.Driver == "postgres" {
		pv, err := destination.NewPGVectorDestination(cfg.Store.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open destination: %w", err)
		}
		dest = pv
	} else {
		dest = destination.NewMemoryDestination()
	}
	dests := map[string]destination.Destination{"default": dest}

	neural, llm, err := buildModels(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	transformers := transformer.NewRegistry()
	transformers.Register(transformer.NewChunker(1000, 200))
	transformers.Register(neural)
	transformers.Register(transformer.NewSparseEmbedder())

	orch := orchestrator.New(st, led, dests, pub, log, orchestrator.Options{
		Workers:           cfg.Sync.Workers,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		DrainTimeout:      cfg.Sync.DrainTimeout,
		SourceRetryDelay:  cfg.Sync.SourceRetryDelay,
		Retry: dag.RetryPolicy{
			Attempts:  cfg.Sync.RetryAttempts,
			BaseDelay: cfg.Sync.RetryBaseDelay,
		},
		VectorDim: cfg.Embedder.Dimensions,
	})

	sources := source.DefaultRegistry()
	pool := worker.NewPool(st, q, sources, transformers, orch, log, worker.Config{
		Concurrency:   cfg.Sync.Workers,
		SweepInterval: cfg.Sync.QueuePollInterval,
	})

	return &runtime{
		cfg:          cfg,
		log:          log,
		store:        st,
		ledger:       led,
		queue:        q,
		bus:          bus,
		destinations: dests,
		sources:      sources,
		transformers: transformers,
		pool:         pool,
		searcher:     search.NewSearcher(dest, neural, nil, llm, log),
		jwt:          security.NewJWTService(cfg.Security.JWTSecret),
	}, nil
}

// buildModels constructs the dense embedder and the chat model from the
// configured provider.
func buildModels(cfg config.EmbedderConfig) (*transformer.NeuralEmbedder, llms.Model, error) {
	switch cfg.Provider {
	case "ollama":
		embedLLM, err := ollama.New(ollama.WithServerURL(cfg.BaseURL), ollama.WithModel(cfg.EmbeddingModel))
		if err != nil {
			return nil, nil, err
		}
		embedder, err := embeddings.NewEmbedder(embedLLM)
		if err != nil {
			return nil, nil, err
		}
		chat, err := ollama.New(ollama.WithServerURL(cfg.BaseURL), ollama.WithModel(cfg.Model))
		if err != nil {
			return nil, nil, err
		}
		return transformer.NewNeuralEmbedder(embedder, cfg.Dimensions, 32), chat, nil
	default:
		neural, err := transformer.NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.EmbeddingModel, cfg.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		chat, err := openai.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		return neural, chat, nil
	}
}

// runServe starts the API server and the worker pool, then blocks until a
// shutdown signal.
func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.queue.Close()

	handlers := &api.Handlers{
		Store:          rt.store,
		Queue:          rt.queue,
		Stream:         rt.bus,
		Searcher:       rt.searcher,
		Sources:        rt.sources,
		JWT:            rt.jwt,
		TokenTTL:       cfg.Security.JWTExpiration,
		SearchMaxLimit: cfg.Search.MaxLimit,
		Log:            rt.log,
	}
	srv := api.NewServer(api.ServerConfig{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		APIKey: cfg.Security.APIKey,
		Debug:  cfg.Server.Debug,
	}, handlers, rt.jwt)

	go func() {
		if err := rt.pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.log.WithError(err).Error("worker pool stopped")
		}
	}()
	go func() {
		rt.log.WithField("port", cfg.Server.Port).Info("weave server starting")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	rt.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.log.WithError(err).Error("shutdown incomplete")
	}
}

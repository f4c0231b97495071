package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"treeweave/internal/api"
	"treeweave/internal/app/bootstrap"
	"treeweave/internal/db/opensearch"
	"treeweave/internal/db/postgres"
	redisdb "treeweave/internal/db/redis"
	"treeweave/internal/domain/rag"
	"treeweave/internal/domain/raptor"
	"treeweave/internal/platform/config"
	applog "treeweave/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// ── PostgreSQL ───────────────────────────────────────────

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)
	treeStore := postgres.NewTreeStore(db)

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := repo.EnsureTables(migrateCtx); err != nil {
		applog.Warnf("⚠️  Failed to ensure business tables: %v", err)
	} else {
		applog.Info("✅ Business tables ready (tenants, knowledge_bases, documents, fragments)")
	}
	if err := treeStore.EnsureTable(migrateCtx); err != nil {
		applog.Warnf("⚠️  Failed to ensure raptor_nodes table: %v", err)
	} else {
		applog.Info("✅ Raptor nodes table ready")
	}

	// ── Redis ────────────────────────────────────────────────

	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}
	redisClient := goredis.NewClient(opt)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	pingCancel()
	applog.Info("✅ Connected to Redis")

	// ── OpenSearch ───────────────────────────────────────────

	ragCfg := &cfg.RAG
	osClient := opensearch.NewClient(ragCfg)
	osCtx, osCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = osClient.Ping(osCtx)
	osCancel()
	if err != nil {
		applog.Fatalf("❌ OpenSearch ping failed: %v", err)
	}
	applog.Info("✅ Connected to OpenSearch")

	// ── LLM Provider 与 Embedder ─────────────────────────────

	bootstrap.RegisterLLMProviders(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)

	if !ragCfg.HasEmbedding() {
		applog.Fatalf("❌ RAG_EMBEDDING_MODEL is required")
	}
	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL:        cfg.OpenAI.BaseURL,
		APIKey:         cfg.OpenAI.APIKey,
		Model:          ragCfg.EmbeddingModel,
		Dims:           ragCfg.EmbeddingDims,
		BatchSize:      ragCfg.EmbeddingBatchSize,
		TimeoutSeconds: ragCfg.EmbeddingHTTPTimeoutSeconds,
	})
	applog.Infof("✅ Embedder initialized (model: %s, dims: %d)", ragCfg.EmbeddingModel, embedder.Dims())

	if err := osClient.EnsureIndex(context.Background(), embedder.Dims()); err != nil {
		applog.Warnf("⚠️  Failed to ensure vector indexes: %v", err)
	}

	// ── RAG 基础检索与入库 ────────────────────────────────────

	retriever := rag.NewRetriever(osClient, embedder, ragCfg)
	ingestor := rag.NewIngestor(osClient, repo, embedder, ragCfg)

	if ragCfg.HasCache() {
		cache := redisdb.NewRetrieveCache(redisClient, ragCfg.CacheTTL)
		retriever.SetCache(cache)
		ingestor.SetCache(cache)
		applog.Infof("✅ Retrieve cache initialized (TTL: %ds)", ragCfg.CacheTTL)
	}
	applog.Infof("✅ Parser registry initialized (types: %s)", ingestor.Parsers().SupportedTypes())

	// ── Raptor 树引擎 ────────────────────────────────────────

	summarizer := raptor.NewLLMSummarizer(cfg.Summary.Provider, cfg.Summary.Model)
	buildLock := redisdb.NewBuildLock(redisClient)
	builder := raptor.NewBuilder(treeStore, osClient, embedder, repo, summarizer, buildLock)
	builder.SetDefaults(raptor.BuildConfig{
		MaxLayers:      cfg.Raptor.MaxLayers,
		ClusterMethod:  cfg.Raptor.ClusterMethod,
		MinClusterSize: cfg.Raptor.MinClusterSize,
	})
	engine := raptor.NewQueryEngine(treeStore, osClient, embedder, retriever)
	applog.Infof("✅ Raptor engine initialized (summary: %s/%s, clusterers: %v)",
		cfg.Summary.Provider, cfg.Summary.Model, raptor.ListClusterers())

	// ── HTTP Server ──────────────────────────────────────────

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	serverConfig.MaxFileMB = ragCfg.MaxFileSize
	server := api.NewServer(serverConfig, repo, repo, ingestor, retriever, builder, engine)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

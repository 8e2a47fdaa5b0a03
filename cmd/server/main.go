package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/climate-resilient/query-pipeline/internal/cache"
	"github.com/climate-resilient/query-pipeline/internal/config"
	"github.com/climate-resilient/query-pipeline/internal/embedclient"
	"github.com/climate-resilient/query-pipeline/internal/genaiclient"
	"github.com/climate-resilient/query-pipeline/internal/httpapi"
	"github.com/climate-resilient/query-pipeline/internal/metrics"
	internalmw "github.com/climate-resilient/query-pipeline/internal/middleware"
	"github.com/climate-resilient/query-pipeline/internal/pipeline"
	"github.com/climate-resilient/query-pipeline/internal/search"
	"github.com/climate-resilient/query-pipeline/internal/vectorindex"
)

const Version = "0.2.0"

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// app bundles everything that needs a graceful shutdown.
type app struct {
	server           *http.Server
	qdrant           *vectorindex.Client
	respCache        *cache.ResponseCache
	classifierClient *genaiclient.Client
	generatorA       *genaiclient.Client
	generatorB       *genaiclient.Client
	judgeClient      *genaiclient.Client
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("buildApp: %w", err)
	}

	qdrantClient, err := vectorindex.New(cfg.QdrantAddr, cfg.QdrantCollection, cfg.QdrantAPIKey)
	if err != nil {
		return nil, fmt.Errorf("buildApp: qdrant: %w", err)
	}

	embedClient, err := embedclient.New(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("buildApp: embedclient: %w", err)
	}

	classifierClient, err := genaiclient.New(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModelA)
	if err != nil {
		return nil, fmt.Errorf("buildApp: classifier genai client: %w", err)
	}
	generatorA, err := genaiclient.New(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModelA)
	if err != nil {
		return nil, fmt.Errorf("buildApp: backend-a genai client: %w", err)
	}
	generatorB, err := genaiclient.New(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModelB)
	if err != nil {
		return nil, fmt.Errorf("buildApp: backend-b genai client: %w", err)
	}
	judgeClient, err := genaiclient.New(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModelB)
	if err != nil {
		return nil, fmt.Errorf("buildApp: faithfulness judge genai client: %w", err)
	}

	embedCache := cache.NewEmbeddingLRU(cfg.EmbedCacheMax)
	responseCache := cache.NewResponseCache(cfg.RedisAddr, cfg.RedisDB, time.Duration(cfg.CacheTTLSeconds)*time.Second)

	embedder := pipeline.NewEmbedder(embedClient, embedCache)
	classifier := pipeline.NewClassifier(classifierClient, nil)
	retriever := pipeline.NewRetriever(qdrantClient)
	mmr := pipeline.NewMMRDiversifier(embedder, embedCache)
	reranker := pipeline.NewReranker(os.Getenv("RERANK_ENDPOINT"), os.Getenv("RERANK_API_KEY"), os.Getenv("RERANK_MODEL"))

	var searchProvider search.Provider = search.NoopProvider{}
	if cfg.WebSearchEndpoint != "" {
		searchProvider = &search.HTTPProvider{BaseURL: cfg.WebSearchEndpoint, APIKey: os.Getenv("WEB_SEARCH_API_KEY")}
	}
	faithfulness := pipeline.NewFaithfulnessGuard(judgeClient, searchProvider, cfg.FaithfulnessThreshold, cfg.FaithfulnessLowCutoff)

	reg := prometheus.NewRegistry()
	httpMetrics := internalmw.NewMetrics(reg)
	pipelineMetrics := metrics.NewPipeline(reg)

	generators := map[pipeline.ModelBackend]pipeline.GenAIClient{
		pipeline.BackendA: generatorA,
		pipeline.BackendB: generatorB,
	}

	orchestrator := pipeline.NewOrchestrator(cfg, responseCache, embedder, classifier, retriever, mmr, reranker, faithfulness, generators, pipelineMetrics)

	rateLimiter := httpapi.NewTokenBucketLimiter(httpapi.TokenBucketConfig{RatePerMinute: cfg.RateLimitPerMinute})

	router := httpapi.New(&httpapi.Dependencies{
		Orchestrator: orchestrator,
		Version:      Version,
		FrontendURL:  os.Getenv("FRONTEND_URL"),
		Metrics:      httpMetrics,
		MetricsReg:   reg,
		RateLimiter:  rateLimiter,
		ReadyChecks: map[string]httpapi.Pinger{
			"qdrant":     qdrantClient,
			"embedding":  embedClient,
			"classifier": classifierClient,
		},
	})

	srv := &http.Server{
		Addr:         ":" + fmt.Sprint(cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &app{
		server:           srv,
		qdrant:           qdrantClient,
		respCache:        responseCache,
		classifierClient: classifierClient,
		generatorA:       generatorA,
		generatorB:       generatorB,
		judgeClient:      judgeClient,
	}, nil
}

func (a *app) close() {
	a.qdrant.Close()
	a.respCache.Close()
	a.classifierClient.Close()
	a.generatorA.Close()
	a.generatorB.Close()
	a.judgeClient.Close()
}

func run() error {
	ctx := context.Background()

	application, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer application.close()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("query-pipeline starting", "version", Version, "addr", application.server.Addr)
		if err := application.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

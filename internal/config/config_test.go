package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "GOOGLE_CLOUD_PROJECT", "QDRANT_ADDR",
		"QDRANT_COLLECTION", "QDRANT_API_KEY", "VERTEX_AI_LOCATION",
		"VERTEX_AI_MODEL_A", "VERTEX_AI_MODEL_B", "VERTEX_AI_EMBEDDING_LOCATION",
		"GCP_REGION", "VERTEX_AI_EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"FORCE_BACKEND_A", "REDIS_ADDR", "REDIS_DB", "CACHE_TTL_S",
		"EMBED_CACHE_MAX", "FAITHFULNESS_THRESHOLD", "FAITHFULNESS_LOW_CUTOFF",
		"TIMEOUT_CLASSIFY_MS", "TIMEOUT_RETRIEVE_MS", "TIMEOUT_RERANK_MS",
		"TIMEOUT_GENERATE_MS", "TIMEOUT_FAITHFULNESS_MS", "RATE_LIMIT_PER_MINUTE",
		"WEB_SEARCH_ENDPOINT", "MIN_PINECONE_SCORE", "TOP_K_RETRIEVE",
		"TOP_K_RERANK", "HYBRID_ALPHA", "OVERFETCH", "SIMILARITY_BASE",
		"SIMILARITY_FALLBACK", "ADAPTIVE_MARGIN_ENABLED", "ADAPTIVE_MARGIN_MIN",
		"ADAPTIVE_MARGIN_MAX", "MIN_KEPT", "REFILL_ENABLED", "REFILL_OVERFETCH",
		"MMR_ENABLED", "MMR_LAMBDA", "MMR_OVERFETCH", "MIN_RERANK_SCORE",
		"HARD_FLOOR", "MAX_DOCS_BEFORE_RERANK", "FINAL_MAX_DOCS", "FILTER_LANG",
		"AUDIENCE_BLOCKLIST_REGEX", "DOC_TYPE_HOWTO", "PREFERRED_DOMAINS",
		"DOMAIN_BOOST_WEIGHT", "TOPIC_KEYWORDS_EV", "TOPIC_KEYWORDS_WEATHERIZE",
		"TOPIC_KEYWORDS_HEAT_AQI", "DOC_TYPE_BOOST_WEIGHT", "TOPIC_BOOST_WEIGHT",
		"LOCATION_BOOST_KEYWORDS", "LOCATION_BOOST_WEIGHT",
	} {
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_CLOUD_PROJECT", "climate-resilient-prod")
	t.Setenv("QDRANT_ADDR", "localhost:6334")
}

func TestLoad_MissingGCPProject(t *testing.T) {
	clearEnv(t)
	t.Setenv("QDRANT_ADDR", "localhost:6334")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing GOOGLE_CLOUD_PROJECT")
	}
}

func TestLoad_MissingQdrantAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "test-project")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing QDRANT_ADDR")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}
	if cfg.VertexAILocation != "global" {
		t.Errorf("VertexAILocation = %q, want %q", cfg.VertexAILocation, "global")
	}
	if cfg.VertexAIModelA != "gemini-2.5-flash" {
		t.Errorf("VertexAIModelA = %q, want %q", cfg.VertexAIModelA, "gemini-2.5-flash")
	}
	if cfg.VertexAIModelB != "gemini-2.5-pro" {
		t.Errorf("VertexAIModelB = %q, want %q", cfg.VertexAIModelB, "gemini-2.5-pro")
	}
	if cfg.EmbeddingDimensions != 768 {
		t.Errorf("EmbeddingDimensions = %d, want 768", cfg.EmbeddingDimensions)
	}
	if cfg.ForceBackendA {
		t.Error("ForceBackendA = true, want false")
	}
	if cfg.QdrantCollection != "climate-documents" {
		t.Errorf("QdrantCollection = %q, want %q", cfg.QdrantCollection, "climate-documents")
	}
	if cfg.CacheTTLSeconds != 3600 {
		t.Errorf("CacheTTLSeconds = %d, want 3600", cfg.CacheTTLSeconds)
	}
	if cfg.EmbedCacheMax != 4000 {
		t.Errorf("EmbedCacheMax = %d, want 4000", cfg.EmbedCacheMax)
	}
	if cfg.FaithfulnessThreshold != 0.70 {
		t.Errorf("FaithfulnessThreshold = %f, want 0.70", cfg.FaithfulnessThreshold)
	}
	if cfg.FaithfulnessLowCutoff != 0.10 {
		t.Errorf("FaithfulnessLowCutoff = %f, want 0.10", cfg.FaithfulnessLowCutoff)
	}
	if cfg.RateLimitPerMinute != 30 {
		t.Errorf("RateLimitPerMinute = %d, want 30", cfg.RateLimitPerMinute)
	}
	if cfg.Retrieval.TopKRetrieve != 15 {
		t.Errorf("Retrieval.TopKRetrieve = %d, want 15", cfg.Retrieval.TopKRetrieve)
	}
	if cfg.Retrieval.HybridAlpha != 0.5 {
		t.Errorf("Retrieval.HybridAlpha = %f, want 0.5", cfg.Retrieval.HybridAlpha)
	}
	if !cfg.Retrieval.AdaptiveMargin.Enabled {
		t.Error("Retrieval.AdaptiveMargin.Enabled = false, want true")
	}
	if cfg.Retrieval.AdaptiveMargin.Min != 0.04 || cfg.Retrieval.AdaptiveMargin.Max != 0.10 {
		t.Errorf("Retrieval.AdaptiveMargin = %+v, want {0.04 0.10}", cfg.Retrieval.AdaptiveMargin)
	}
	if cfg.Retrieval.HardFloorScore != 0.60 {
		t.Errorf("Retrieval.HardFloorScore = %f, want 0.60", cfg.Retrieval.HardFloorScore)
	}
	if cfg.Retrieval.FinalMaxDocs != 5 {
		t.Errorf("Retrieval.FinalMaxDocs = %d, want 5", cfg.Retrieval.FinalMaxDocs)
	}
	if len(cfg.Filters.DocTypeHowto) != 6 {
		t.Errorf("Filters.DocTypeHowto = %v, want 6 defaults", cfg.Filters.DocTypeHowto)
	}
	if cfg.Retrieval.MinPineconeScore != nil {
		t.Errorf("Retrieval.MinPineconeScore = %v, want nil", cfg.Retrieval.MinPineconeScore)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("FORCE_BACKEND_A", "true")
	t.Setenv("HYBRID_ALPHA", "0.8")
	t.Setenv("MIN_PINECONE_SCORE", "0.42")
	t.Setenv("PREFERRED_DOMAINS", "toronto.ca, climateatlas.ca ,cbc.ca")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "production")
	}
	if !cfg.ForceBackendA {
		t.Error("ForceBackendA = false, want true")
	}
	if cfg.Retrieval.HybridAlpha != 0.8 {
		t.Errorf("Retrieval.HybridAlpha = %f, want 0.8", cfg.Retrieval.HybridAlpha)
	}
	if cfg.Retrieval.MinPineconeScore == nil || *cfg.Retrieval.MinPineconeScore != 0.42 {
		t.Errorf("Retrieval.MinPineconeScore = %v, want 0.42", cfg.Retrieval.MinPineconeScore)
	}
	want := []string{"toronto.ca", "climateatlas.ca", "cbc.ca"}
	if len(cfg.Boosts.PreferredDomains) != len(want) {
		t.Fatalf("Boosts.PreferredDomains = %v, want %v", cfg.Boosts.PreferredDomains, want)
	}
	for i, v := range want {
		if cfg.Boosts.PreferredDomains[i] != v {
			t.Errorf("Boosts.PreferredDomains[%d] = %q, want %q", i, cfg.Boosts.PreferredDomains[i], v)
		}
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080 (fallback)", cfg.Port)
	}
}

func TestLoad_InvalidFloatFallsBack(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("HYBRID_ALPHA", "bad")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Retrieval.HybridAlpha != 0.5 {
		t.Errorf("Retrieval.HybridAlpha = %f, want 0.5 (fallback)", cfg.Retrieval.HybridAlpha)
	}
}

func TestLoad_InvalidBoolFallsBack(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("FORCE_BACKEND_A", "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ForceBackendA {
		t.Error("ForceBackendA = true, want false (fallback)")
	}
}

func TestLoad_RequiredFieldsPresent(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.GCPProject != "climate-resilient-prod" {
		t.Errorf("GCPProject = %q, want set value", cfg.GCPProject)
	}
	if cfg.QdrantAddr != "localhost:6334" {
		t.Errorf("QdrantAddr = %q, want set value", cfg.QdrantAddr)
	}
}

// Package config loads the closed set of runtime options the pipeline
// recognizes, purely from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AdaptiveMargin controls the similarity-gate margin around the top score.
type AdaptiveMargin struct {
	Enabled bool
	Min     float64
	Max     float64
}

// RetrievalConfig groups the hybrid-retrieval, gating, MMR and finalize knobs.
type RetrievalConfig struct {
	TopKRetrieve       int
	TopKRerank         int
	HybridAlpha        float64
	Overfetch          int
	SimilarityBase     float64
	SimilarityFallback float64
	AdaptiveMargin     AdaptiveMargin
	MinKept            int
	RefillEnabled      bool
	RefillOverfetch    int
	MMREnabled         bool
	MMRLambda          float64
	MMROverfetch       int
	MinPineconeScore   *float64
	MinRerankScore     float64
	HardFloorScore     float64
	MaxDocsBeforeRerank int
	FinalMaxDocs       int
}

// FiltersConfig groups post-retrieval filter knobs.
type FiltersConfig struct {
	Lang                  string
	AudienceBlocklistRegex []string
	DocTypeHowto          []string
}

// BoostsConfig groups domain/topic soft-boost knobs.
type BoostsConfig struct {
	PreferredDomains     []string
	DomainBoostWeight    float64
	TopicKeywordsEV         []string
	TopicKeywordsWeatherize []string
	TopicKeywordsHeatAQI    []string
	DocTypeBoostWeight   float64
	TopicBoostWeight     float64
	LocationKeywords     []string
	LocationBoostWeight  float64
}

// Config holds all pipeline configuration loaded from environment variables.
// It is immutable after Load() returns and is injected explicitly into every
// component constructor rather than read from module-level globals.
type Config struct {
	Port        int
	Environment string

	GCPProject        string
	VertexAILocation  string
	VertexAIModelA    string // Backend-A: fast chat model (en, es, de, it, pt)
	VertexAIModelB    string // Backend-B: multilingual chat model
	EmbeddingLocation string
	EmbeddingModel    string
	EmbeddingDimensions int
	ForceBackendA     bool

	QdrantAddr           string
	QdrantCollection     string
	QdrantAPIKey         string

	RedisAddr string
	RedisDB   int
	CacheTTLSeconds int

	EmbedCacheMax int

	FaithfulnessThreshold float64
	FaithfulnessLowCutoff float64

	TimeoutClassifyMs    int
	TimeoutRetrieveMs    int
	TimeoutRerankMs      int
	TimeoutGenerateMs    int
	TimeoutFaithfulnessMs int

	RateLimitPerMinute int

	WebSearchEndpoint string

	Retrieval RetrievalConfig
	Filters   FiltersConfig
	Boosts    BoostsConfig
}

// Load reads configuration from environment variables.
// Required variables (GOOGLE_CLOUD_PROJECT, QDRANT_ADDR) cause an error if missing.
// Optional variables fall back to the defaults written below.
func Load() (*Config, error) {
	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	qdrantAddr := os.Getenv("QDRANT_ADDR")
	if qdrantAddr == "" {
		return nil, fmt.Errorf("config.Load: QDRANT_ADDR is required")
	}

	var minPineconeScore *float64
	if v := os.Getenv("MIN_PINECONE_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minPineconeScore = &f
		}
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),

		GCPProject:          gcpProject,
		VertexAILocation:    envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModelA:      envStr("VERTEX_AI_MODEL_A", "gemini-2.5-flash"),
		VertexAIModelB:      envStr("VERTEX_AI_MODEL_B", "gemini-2.5-pro"),
		EmbeddingLocation:   envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:      envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),
		ForceBackendA:       envBool("FORCE_BACKEND_A", false),

		QdrantAddr:       qdrantAddr,
		QdrantCollection: envStr("QDRANT_COLLECTION", "climate-documents"),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),

		RedisAddr:       envStr("REDIS_ADDR", "localhost:6379"),
		RedisDB:         envInt("REDIS_DB", 0),
		CacheTTLSeconds: envInt("CACHE_TTL_S", 3600),

		EmbedCacheMax: envInt("EMBED_CACHE_MAX", 4000),

		FaithfulnessThreshold: envFloat("FAITHFULNESS_THRESHOLD", 0.70),
		FaithfulnessLowCutoff: envFloat("FAITHFULNESS_LOW_CUTOFF", 0.10),

		TimeoutClassifyMs:     envInt("TIMEOUT_CLASSIFY_MS", 6000),
		TimeoutRetrieveMs:     envInt("TIMEOUT_RETRIEVE_MS", 8000),
		TimeoutRerankMs:       envInt("TIMEOUT_RERANK_MS", 10000),
		TimeoutGenerateMs:     envInt("TIMEOUT_GENERATE_MS", 20000),
		TimeoutFaithfulnessMs: envInt("TIMEOUT_FAITHFULNESS_MS", 8000),

		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 30),

		WebSearchEndpoint: envStr("WEB_SEARCH_ENDPOINT", ""),

		Retrieval: RetrievalConfig{
			TopKRetrieve:       envInt("TOP_K_RETRIEVE", 15),
			TopKRerank:         envInt("TOP_K_RERANK", 5),
			HybridAlpha:        envFloat("HYBRID_ALPHA", 0.5),
			Overfetch:          envInt("OVERFETCH", 8),
			SimilarityBase:     envFloat("SIMILARITY_BASE", 0.65),
			SimilarityFallback: envFloat("SIMILARITY_FALLBACK", 0.55),
			AdaptiveMargin: AdaptiveMargin{
				Enabled: envBool("ADAPTIVE_MARGIN_ENABLED", true),
				Min:     envFloat("ADAPTIVE_MARGIN_MIN", 0.04),
				Max:     envFloat("ADAPTIVE_MARGIN_MAX", 0.10),
			},
			MinKept:             envInt("MIN_KEPT", 3),
			RefillEnabled:       envBool("REFILL_ENABLED", false),
			RefillOverfetch:     envInt("REFILL_OVERFETCH", 6),
			MMREnabled:          envBool("MMR_ENABLED", true),
			MMRLambda:           envFloat("MMR_LAMBDA", 0.30),
			MMROverfetch:        envInt("MMR_OVERFETCH", 12),
			MinPineconeScore:    minPineconeScore,
			MinRerankScore:      envFloat("MIN_RERANK_SCORE", 0.70),
			HardFloorScore:      envFloat("HARD_FLOOR", 0.60),
			MaxDocsBeforeRerank: envInt("MAX_DOCS_BEFORE_RERANK", 8),
			FinalMaxDocs:        envInt("FINAL_MAX_DOCS", 5),
		},
		Filters: FiltersConfig{
			Lang:                  envStr("FILTER_LANG", ""),
			AudienceBlocklistRegex: envStrList("AUDIENCE_BLOCKLIST_REGEX", nil),
			DocTypeHowto:          envStrList("DOC_TYPE_HOWTO", []string{"factsheet", "fact sheet", "guideline", "advisory", "toolkit", "checklist"}),
		},
		Boosts: BoostsConfig{
			PreferredDomains:        envStrList("PREFERRED_DOMAINS", nil),
			DomainBoostWeight:       envFloat("DOMAIN_BOOST_WEIGHT", 0.25),
			TopicKeywordsEV:         envStrList("TOPIC_KEYWORDS_EV", []string{"EVSE", "Level 2", "240V", "charger", "amperage", "NEMA", "CSA", "breaker", "circuit"}),
			TopicKeywordsWeatherize: envStrList("TOPIC_KEYWORDS_WEATHERIZE", []string{"caulk", "weatherstrip", "R-value", "insulation", "window film", "storm window"}),
			TopicKeywordsHeatAQI:    envStrList("TOPIC_KEYWORDS_HEAT_AQI", []string{"AQI", "PM2.5", "N95", "cooling centre", "hydration"}),
			DocTypeBoostWeight:      envFloat("DOC_TYPE_BOOST_WEIGHT", 0.05),
			TopicBoostWeight:        envFloat("TOPIC_BOOST_WEIGHT", 0.03),
			LocationKeywords:        envStrList("LOCATION_BOOST_KEYWORDS", nil),
			LocationBoostWeight:     envFloat("LOCATION_BOOST_WEIGHT", 0.30),
		},
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envStrList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

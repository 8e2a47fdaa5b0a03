package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/climate-resilient/query-pipeline/internal/config"
	"github.com/climate-resilient/query-pipeline/internal/metrics"
)

// maxQueryChars mirrors the teacher's chat-request validation ceiling; a
// query longer than this is rejected before it reaches the classifier.
const maxQueryChars = 10000

// ResponseCache is the subset of cache.ResponseCache the orchestrator needs;
// declared here, duck-typed, so this package never imports internal/cache.
type ResponseCache interface {
	Get(ctx context.Context, lang, query string) (Answer, bool)
	Set(ctx context.Context, lang, query string, answer Answer)
}

// Orchestrator sequences the query pipeline (C1-C13) end to end per the
// RECEIVED -> CACHE_LOOKUP -> CLASSIFY -> ... -> DONE state machine,
// enforcing per-stage timeouts. MMR, rerank and faithfulness failures degrade
// to the safest observable result; a failure to embed, retrieve or generate
// ends the request with a PipelineError.
type Orchestrator struct {
	cfg          *config.Config
	cache        ResponseCache
	embedder     *Embedder
	classifier   *Classifier
	retriever    *Retriever
	mmr          *MMRDiversifier
	reranker     *Reranker
	faithfulness *FaithfulnessGuard
	generators   map[ModelBackend]GenAIClient
	metrics      *metrics.Pipeline
}

// NewOrchestrator wires every pipeline component. generators must have an
// entry for both BackendA and BackendB; responseCache may be nil to disable
// caching entirely (distinct from a cache that is up but reports Disabled()
// itself, which the cache package already degrades to a no-op for). m may be
// nil to disable metrics recording (tests typically pass nil).
func NewOrchestrator(cfg *config.Config, responseCache ResponseCache, embedder *Embedder, classifier *Classifier, retriever *Retriever, mmr *MMRDiversifier, reranker *Reranker, faithfulness *FaithfulnessGuard, generators map[ModelBackend]GenAIClient, m *metrics.Pipeline) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		cache:        responseCache,
		embedder:     embedder,
		classifier:   classifier,
		retriever:    retriever,
		mmr:          mmr,
		reranker:     reranker,
		faithfulness: faithfulness,
		generators:   generators,
		metrics:      m,
	}
}

type stepTimer struct {
	steps map[string]int64
	start time.Time
}

func newStepTimer() *stepTimer {
	return &stepTimer{steps: make(map[string]int64)}
}

func (t *stepTimer) mark(name string, since time.Time) {
	t.steps[name] = time.Since(since).Milliseconds()
}

// observeStages records every stage timed so far against the pipeline
// metrics, if configured.
func (o *Orchestrator) observeStages(timer *stepTimer) {
	if o.metrics == nil {
		return
	}
	for stage, ms := range timer.steps {
		o.metrics.Observe(stage, ms)
	}
}

// Process runs one query through the full pipeline, returning either a
// terminal Answer or a structured PipelineError drawn from the closed
// failure taxonomy.
func (o *Orchestrator) Process(ctx context.Context, q Query) (Answer, *PipelineError) {
	requestStart := time.Now()
	timer := newStepTimer()

	trimmed := q.RawText
	if len(trimmed) == 0 {
		return Answer{}, newError(ErrCodeEmptyQuery, "query must not be empty")
	}
	if len(trimmed) > maxQueryChars {
		return Answer{}, newError(ErrCodeTooLongQuery, "query exceeds maximum length")
	}

	cacheStart := time.Now()
	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, q.SelectedLanguageCode, q.RawText); ok {
			timer.mark("cache_lookup", cacheStart)
			o.observeStages(timer)
			if o.metrics != nil {
				o.metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
			}
			cached.StepTimesMs = timer.steps
			cached.ProcessingTimeMs = time.Since(requestStart).Milliseconds()
			return cached, nil
		}
		if o.metrics != nil {
			o.metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		}
	}
	timer.mark("cache_lookup", cacheStart)

	classifyCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TimeoutClassifyMs, 6*time.Second))
	classifyStart := time.Now()
	classification := o.classifier.Classify(classifyCtx, q.ConversationHistory, q.RawText, q.SelectedLanguageCode)
	cancel()
	timer.mark("classify", classifyStart)

	if !classification.LanguageMatch {
		return Answer{}, newError(ErrCodeLanguageMismatch, "the query's language does not match the selected language")
	}
	switch classification.Classification {
	case ClassHarmful:
		return Answer{}, newError(ErrCodeHarmfulQuery, "this request cannot be processed")
	case ClassOffTopic:
		return Answer{}, newError(ErrCodeOffTopic, "this assistant only answers climate-related questions")
	}

	if classification.Canned.Enabled {
		answer := Answer{
			Text:             classification.Canned.Text,
			RetrievalSource:  SourceCanned,
			ProcessingTimeMs: time.Since(requestStart).Milliseconds(),
			StepTimesMs:      timer.steps,
		}
		if o.cache != nil {
			o.cache.Set(ctx, q.SelectedLanguageCode, q.RawText, answer)
		}
		return answer, nil
	}

	route := Route(classification.ExpectedLanguage, classification.RewriteEN, q.RawText, o.cfg.ForceBackendA)

	embedStart := time.Now()
	dense, sparse, err := o.embedder.Embed(ctx, route.EnglishQuery)
	timer.mark("embed", embedStart)
	if err != nil {
		slog.Error("stage failed", "stage", "embed", "err", err)
		return Answer{}, newError(ErrCodeInternalError, "could not process the query")
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TimeoutRetrieveMs, 8*time.Second))
	retrieveStart := time.Now()
	retrieval, err := o.retriever.Retrieve(retrieveCtx, dense, sparse, o.cfg.Retrieval.HybridAlpha, o.cfg.Retrieval.TopKRetrieve, nil, o.cfg.Retrieval.MinKept)
	cancel()
	timer.mark("retrieve", retrieveStart)
	if err != nil {
		slog.Error("stage failed", "stage", "retrieve", "err", err)
		return Answer{}, newError(ErrCodeInternalError, "search is temporarily unavailable")
	}
	if len(retrieval.Documents) == 0 {
		return Answer{}, newError(ErrCodeRetrievalEmpty, "no relevant documents were found")
	}

	filterStart := time.Now()
	filtered, _ := ApplyFilters(route.EnglishQuery, retrieval.Documents, o.cfg.Filters, o.cfg.Boosts)
	timer.mark("filter", filterStart)

	gateStart := time.Now()
	gated := ApplyGate(ctx, route.EnglishQuery, filtered, o.retriever, dense, sparse, o.cfg.Retrieval.HybridAlpha, nil, o.cfg.Retrieval)
	timer.mark("gate", gateStart)

	pool := gated.Pool
	if len(pool) == 0 {
		return Answer{}, newError(ErrCodeRetrievalEmpty, "no relevant documents survived filtering")
	}

	if o.cfg.Retrieval.MMREnabled {
		mmrStart := time.Now()
		diversified, _, err := o.mmr.Select(ctx, dense, pool, o.cfg.Retrieval.MMRLambda, o.cfg.Retrieval.MMROverfetch)
		timer.mark("mmr", mmrStart)
		if err == nil && len(diversified) > 0 {
			pool = diversified
		}
	}

	rerankCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TimeoutRerankMs, 10*time.Second))
	rerankStart := time.Now()
	reranked := o.reranker.Rerank(rerankCtx, route.EnglishQuery, pool, o.cfg.Retrieval.MaxDocsBeforeRerank)
	cancel()
	timer.mark("rerank", rerankStart)

	finalizeStart := time.Now()
	final, _ := Finalize(ctx, route.EnglishQuery, reranked, o.cfg.Retrieval.TopKRerank, o.retriever, o.reranker, dense, sparse, o.cfg.Retrieval.HybridAlpha, nil, o.cfg.Retrieval)
	timer.mark("finalize", finalizeStart)
	if len(final) == 0 {
		return Answer{}, newError(ErrCodeRetrievalEmpty, "no relevant documents remained after ranking")
	}

	generator := o.generators[route.Backend]
	if generator == nil {
		return Answer{}, newError(ErrCodeInternalError, "no generation backend configured")
	}

	generateCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TimeoutGenerateMs, 20*time.Second))
	generateStart := time.Now()
	generated, err := Generate(generateCtx, generator, route.EnglishQuery, q.ConversationHistory, final, route.Backend, classification.ExpectedLanguage)
	cancel()
	timer.mark("generate", generateStart)
	if err != nil {
		slog.Error("stage failed", "stage", "generate", "err", err)
		return Answer{}, newError(ErrCodeGenerationFailed, "could not generate an answer")
	}

	faithfulnessCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TimeoutFaithfulnessMs, 8*time.Second))
	faithStart := time.Now()
	result, score, source, warnings := o.faithfulness.Check(faithfulnessCtx, generator, route.EnglishQuery, q.ConversationHistory, generated, final, route.Backend, classification.ExpectedLanguage)
	cancel()
	timer.mark("faithfulness", faithStart)
	if o.metrics != nil {
		o.metrics.FaithfulnessScore.Observe(score)
		if source == SourceFallbackWeb {
			o.metrics.FaithfulnessFallback.Inc()
		}
	}
	o.observeStages(timer)

	answer := Answer{
		Text:              result.Text,
		Citations:         result.Citations,
		FaithfulnessScore: score,
		ModelUsed:         route.Backend,
		RetrievalSource:   source,
		ProcessingTimeMs:  time.Since(requestStart).Milliseconds(),
		StepTimesMs:       timer.steps,
		Warnings:          warnings,
	}

	if o.cache != nil {
		o.cache.Set(ctx, q.SelectedLanguageCode, q.RawText, answer)
	}

	return answer, nil
}

func (o *Orchestrator) stageTimeout(configuredMs int, fallback time.Duration) time.Duration {
	if configuredMs <= 0 {
		return fallback
	}
	return time.Duration(configuredMs) * time.Millisecond
}

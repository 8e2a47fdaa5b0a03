// Package pipeline implements the query processing pipeline: classification,
// hybrid retrieval, diversification, reranking, grounded generation, and
// faithfulness checking for a multilingual climate-question answering
// service.
package pipeline

import (
	"strings"
	"time"
)

// Role identifies the speaker of a conversation Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the caller-supplied conversation history.
type Turn struct {
	Role         Role
	Content      string
	LanguageCode string
	Timestamp    time.Time
}

// Query is the immutable per-request input to the pipeline.
type Query struct {
	RawText              string
	SelectedLanguageCode string
	ConversationHistory  []Turn
	RequestID            string
}

// Classification is the closed set of topic/intent outcomes the
// Classifier/Rewriter can produce.
type Classification string

const (
	ClassOnTopic     Classification = "on-topic"
	ClassOffTopic    Classification = "off-topic"
	ClassHarmful     Classification = "harmful"
	ClassGreeting    Classification = "greeting"
	ClassGoodbye     Classification = "goodbye"
	ClassThanks      Classification = "thanks"
	ClassEmergency   Classification = "emergency"
	ClassInstruction Classification = "instruction"
)

// CannedType names which canned-response template applies.
type CannedType string

// Canned describes a deterministic, templated reply that bypasses retrieval
// and generation.
type Canned struct {
	Enabled bool
	Type    CannedType
	Text    string
}

// ClassifierError carries a model-reported error without failing the whole
// classification call.
type ClassifierError struct {
	Message string
}

// ClassifierResult is produced once per request by the Classifier/Rewriter
// and drives all downstream branching.
type ClassifierResult struct {
	Reason           string
	DetectedLanguage string // ISO-639-1 code, or "unknown"
	ExpectedLanguage string
	LanguageMatch    bool
	Classification   Classification
	RewriteEN        string
	AskHowToUse      bool
	HowItWorks       string
	Canned           Canned
	Error            *ClassifierError
}

// SparseVector is a BM25-like lexical vector: token indices with weights.
type SparseVector struct {
	Indices []int32
	Values  []float32
}

// Document is a retrieved chunk, immutable after retrieval; Score is
// rewritten by boosts/rerank as separate logical mutations on a copy.
type Document struct {
	ID            string
	Title         string
	Content       string
	URLs          []string
	Score         float64
	PineconeScore float64
	SectionTitle  string
	SegmentID     string
	DocKeywords   []string
	SegmentKeywords []string
	Values        []float32 // dense vector, when the index returned one
	Metadata      map[string]any
}

// WithScore returns a copy of d with Score replaced, preserving the
// immutability of the original Document per the data model's invariant that
// score mutation happens on a copy, never in place.
func (d Document) WithScore(score float64) Document {
	d.Score = score
	return d
}

// FirstURL returns the document's first URL, or "" if it has none.
func (d Document) FirstURL() string {
	if len(d.URLs) == 0 {
		return ""
	}
	return d.URLs[0]
}

// DedupKey returns the (lower(title), lower(first url)) key used to
// deduplicate candidate pools.
func (d Document) DedupKey() string {
	return strings.ToLower(strings.TrimSpace(d.Title)) + "|" + strings.ToLower(strings.TrimSpace(d.FirstURL()))
}

// Citation is a reference surfaced to the caller alongside Answer.Text.
type Citation struct {
	Title   string
	URL     string
	Snippet string
}

// RetrievalSource records which path produced the final answer.
type RetrievalSource string

const (
	SourceSearch      RetrievalSource = "search"
	SourceCanned      RetrievalSource = "canned"
	SourceFallbackWeb RetrievalSource = "fallback-web"
)

// ModelBackend identifies which generation backend produced an Answer.
type ModelBackend string

const (
	BackendA ModelBackend = "backend-a"
	BackendB ModelBackend = "backend-b"
)

// Answer is the pipeline's terminal successful result.
type Answer struct {
	Text               string
	Citations          []Citation
	FaithfulnessScore  float64
	ModelUsed          ModelBackend
	RetrievalSource    RetrievalSource
	ProcessingTimeMs   int64
	StepTimesMs        map[string]int64
	Warnings           []string
}

// CachedAnswer is an Answer plus the bookkeeping needed to serve it from the
// Redis response cache.
type CachedAnswer struct {
	Answer       Answer
	CachedAt     time.Time
	LanguageCode string
}

// dedupe returns docs with duplicate (title, first-url) pairs removed,
// keeping the first occurrence's order.
func dedupe(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		k := d.DedupKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

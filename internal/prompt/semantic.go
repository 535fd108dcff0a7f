package prompt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Rule is a learned rule candidate for semantic ranking.
type Rule struct {
	ID   string
	Text string
}

// ScoredRule is a rule with its similarity to the prompt.
type ScoredRule struct {
	Rule       Rule
	Similarity float64
}

// Embedder turns text into a vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const defaultEmbeddingModel = "gemini-embedding-001"

// GenAIEmbedder embeds text through the Gemini embedding API. The client
// is created lazily on first use so a missing API key only fails callers
// that actually need embeddings.
type GenAIEmbedder struct {
	apiKey string
	model  string
	logger *zap.Logger

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGenAIEmbedder builds an embedder; model "" selects the default.
func NewGenAIEmbedder(apiKey, model string, logger *zap.Logger) *GenAIEmbedder {
	if model == "" {
		model = defaultEmbeddingModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenAIEmbedder{apiKey: apiKey, model: model, logger: logger}
}

func (e *GenAIEmbedder) init(ctx context.Context) error {
	e.once.Do(func() {
		if e.apiKey == "" {
			e.initErr = fmt.Errorf("embedding api key not configured")
			return
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: e.apiKey})
		if err != nil {
			e.initErr = fmt.Errorf("create genai client: %w", err)
			return
		}
		e.client = client
		e.logger.Debug("embedding client initialised", zap.String("model", e.model))
	})
	return e.initErr
}

// Embed returns the embedding vector for text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.init(ctx); err != nil {
		return nil, err
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}
	return result.Embeddings[0].Values, nil
}

// Matcher ranks learned rules against a prompt by embedding similarity.
// Rule vectors are cached by rule id; the cache only grows, which is fine
// for the small rule counts involved.
type Matcher struct {
	embedder  Embedder
	threshold float64
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewMatcher builds a matcher with the relevance threshold (0.3 is the
// operational default).
func NewMatcher(embedder Embedder, threshold float64, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		embedder:  embedder,
		threshold: threshold,
		logger:    logger,
		cache:     make(map[string][]float32),
	}
}

// FindRelevant returns up to topK rules whose cosine similarity to the
// prompt is at least the threshold, most similar first with stable
// id-order tie-breaking. ok is false when the embedder is unavailable; the
// caller then falls back to non-semantic ordering. Empty candidates never
// touch the embedder.
func (m *Matcher) FindRelevant(ctx context.Context, promptText string, rules []Rule, topK int) (scored []ScoredRule, ok bool) {
	if len(rules) == 0 {
		return nil, true
	}
	if m.embedder == nil {
		return nil, false
	}

	promptVec, err := m.embedder.Embed(ctx, promptText)
	if err != nil {
		m.logger.Warn("prompt embedding failed, skipping semantic match", zap.Error(err))
		return nil, false
	}

	for _, rule := range rules {
		vec, err := m.ruleVector(ctx, rule)
		if err != nil {
			m.logger.Warn("rule embedding failed", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		sim := cosineSimilarity(promptVec, vec)
		if sim >= m.threshold {
			scored = append(scored, ScoredRule{Rule: rule, Similarity: sim})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Rule.ID < scored[j].Rule.ID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, true
}

func (m *Matcher) ruleVector(ctx context.Context, rule Rule) ([]float32, error) {
	m.mu.RLock()
	vec, hit := m.cache[rule.ID]
	m.mu.RUnlock()
	if hit {
		return vec, nil
	}

	vec, err := m.embedder.Embed(ctx, rule.Text)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[rule.ID] = vec
	m.mu.Unlock()
	return vec, nil
}

// cosineSimilarity over float32 vectors; zero vectors and mismatched
// lengths score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

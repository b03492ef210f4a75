// Package embedding provides Gemini embeddings for semantic loop detection.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "gemini-embedding-001"

var taskTypes = map[string]bool{
	"SEMANTIC_SIMILARITY":  true,
	"CLASSIFICATION":       true,
	"CLUSTERING":           true,
	"RETRIEVAL_DOCUMENT":   true,
	"RETRIEVAL_QUERY":      true,
	"CODE_RETRIEVAL_QUERY": true,
	"QUESTION_ANSWERING":   true,
	"FACT_VERIFICATION":    true,
}

// Options configures a GenAI embedder.
type Options struct {
	APIKey   string
	Model    string
	TaskType string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// CacheSize bounds the number of remembered embeddings. Zero disables
	// the cache.
	CacheSize int
}

// GenAI embeds text with the Gemini API.
type GenAI struct {
	client   *genai.Client
	model    string
	taskType string

	mu        sync.Mutex
	cache     map[string][]float32
	order     []string
	cacheSize int
}

// NewGenAI creates an embedder. An API key is required.
func NewGenAI(ctx context.Context, opts Options) (*GenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("genai embedding requires an API key")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.TaskType == "" {
		opts.TaskType = "SEMANTIC_SIMILARITY"
	}
	if !taskTypes[opts.TaskType] {
		return nil, fmt.Errorf("unknown embedding task type %q", opts.TaskType)
	}

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAI{
		client:    client,
		model:     opts.Model,
		taskType:  opts.TaskType,
		cache:     make(map[string][]float32),
		cacheSize: opts.CacheSize,
	}, nil
}

// Model returns the embedding model name.
func (g *GenAI) Model() string { return g.model }

// Embed returns the embedding vector for text.
func (g *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := g.cached(text); ok {
		return v, nil
	}
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request.
func (g *GenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType: g.taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("genai embed: empty embedding at index %d", i)
		}
		out[i] = e.Values
		g.remember(texts[i], e.Values)
	}
	return out, nil
}

func (g *GenAI) cached(text string) ([]float32, bool) {
	if g.cacheSize <= 0 {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.cache[text]
	return v, ok
}

// remember stores v, evicting the oldest entry when full.
func (g *GenAI) remember(text string, v []float32) {
	if g.cacheSize <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cache[text]; ok {
		return
	}
	if len(g.order) >= g.cacheSize {
		delete(g.cache, g.order[0])
		g.order = g.order[1:]
	}
	g.cache[text] = v
	g.order = append(g.order, text)
}

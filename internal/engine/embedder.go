package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/transform"
)

// Embedder turns text into a base embedding for EnhanceText.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// NewOllamaEmbedder creates an embedder for the given Ollama server and model.
func NewOllamaEmbedder(url, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string { return "ollama:" + o.model }

// Embed returns the first embedding Ollama produces for text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{"model": o.model, "input": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return result.Embeddings[0], nil
}

// ProbeOllama reports whether Ollama answers an embed request for model.
func ProbeOllama(url, model string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	body, _ := json.Marshal(map[string]any{"model": model, "input": "probe"})
	resp, err := client.Post(strings.TrimRight(url, "/")+"/api/embed", "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HashEmbedder is the offline fallback: a bag of words hashed into dims
// buckets with signed counts, then unit-normalized. It needs no corpus, so
// the same text always maps to the same vector.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder producing dims-wide vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 1
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash:%d", h.dims) }

// Embed hashes the tokens of text into a unit vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(h.dims)] += sign
	}
	transform.Normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// NewEmbedder picks an embedder from configuration. With no provider set it
// probes Ollama and falls back to hashing.
func NewEmbedder(cfg config.EmbedderConfig, dims int) Embedder {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model)
	case "hash":
		return NewHashEmbedder(dims)
	}
	if ProbeOllama(cfg.OllamaURL, cfg.Model) {
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model)
	}
	return NewHashEmbedder(dims)
}

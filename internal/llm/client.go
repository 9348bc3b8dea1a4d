package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/common"
)

// SummarizeRequest carries the document text plus hints for the model.
type SummarizeRequest struct {
	Text     string
	Language string
	MaxWords int
}

// Summarizer produces a schema-validated structured summary.
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (SummaryFields, []byte, error)
}

// Embedder turns chunk texts into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client talks to an OpenAI-compatible API using chat/completions and
// embeddings endpoints.
type Client struct {
	cfg        common.LLMConfig
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg common.LLMConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Summarize implements Summarizer using text-only chat/completions. The
// response is validated against the summary schema before it is trusted.
func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (SummaryFields, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.summarize.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"text_len", len(req.Text),
		"language", req.Language,
	)

	schema := BuildSummaryJSONSchema()
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": buildSummarySystemPrompt(req)},
			{"role": "user", "content": buildSummaryUserPrompt(req.Text) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, httpErr := c.post(ctx, endpoint, body)
	if httpErr != nil {
		c.log.Error("llm.summarize.http_error",
			"req_id", rid, "error", httpErr,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return SummaryFields{}, nil, httpErr
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return SummaryFields{}, raw, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.summarize.no_choices", "req_id", rid, "raw_bytes", len(raw))
		return SummaryFields{}, raw, fmt.Errorf("no choices in completion response")
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))
	if normalized, _, err := NormalizeSummaryJSON(content, c.log); err == nil {
		content = normalized
	}

	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		c.log.Error("llm.summarize.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return SummaryFields{}, content, fmt.Errorf("schema validation failed: %w", err)
	}

	var out SummaryFields
	if err := json.Unmarshal(content, &out); err != nil {
		return SummaryFields{}, content, fmt.Errorf("unmarshal summary: %w", err)
	}

	c.log.Info("llm.summarize.ok",
		"req_id", rid,
		"summary_len", len(out.Summary),
		"key_points", len(out.KeyPoints),
		"confidence", out.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, content, nil
}

// Embed implements Embedder via the embeddings endpoint.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"model": c.cfg.EmbeddingModel,
		"input": texts,
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var er struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings count mismatch: want %d, got %d", len(texts), len(er.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm http error: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("llm response body close error", "error", err)
		}
	}(resp.Body)

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, common.WrapError(fmt.Errorf("llm status %d: %s", resp.StatusCode, buf.String()), "llm request")
	}
	return buf.Bytes(), nil
}

func buildSummarySystemPrompt(req SummarizeRequest) string {
	maxWords := req.MaxWords
	if maxWords <= 0 {
		maxWords = 200
	}
	parts := []string{
		"You are a document summarizer. Return ONLY JSON that matches the JSON Schema provided.",
		fmt.Sprintf("The 'summary' field is a neutral abstract of at most %d words.", maxWords),
		"Fill 'key_points' with the most important facts, one sentence each.",
		"Fill 'topics' with short topical labels.",
		"Never output null. If a field is not present, omit it.",
	}
	if lang := strings.TrimSpace(req.Language); lang != "" {
		parts = append(parts, "Write the summary in the document's language: "+lang+".")
	}
	return strings.Join(parts, " ")
}

func buildSummaryUserPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Document text (first ~12k chars):\n")
	if len(text) > 12000 {
		b.WriteString(text[:12000])
	} else {
		b.WriteString(text)
	}
	return b.String()
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

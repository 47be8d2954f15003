package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diiisco/diiisco/internal/protocol"
)

// OpenAIClient talks to a local OpenAI-compatible runtime such as Ollama or
// vLLM. Inference can be slow, so the HTTP client carries no timeout of its
// own; callers bound each request through the context.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a runtime client. port of 0 means the base URL
// already carries one.
func NewOpenAIClient(baseURL string, port int, apiKey string) *OpenAIClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if port > 0 {
		baseURL = fmt.Sprintf("%s:%d", baseURL, port)
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (c *OpenAIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrModelNotServed
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrInferenceFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode model response: %w", err)
		}
	}
	return nil
}

// GetResponse runs a chat completion and returns the raw completion body so
// it travels unmodified inside the inference-response payload.
func (c *OpenAIClient) GetResponse(ctx context.Context, model string, inputs []protocol.ChatMessage) (json.RawMessage, error) {
	body := map[string]interface{}{
		"model":    model,
		"messages": inputs,
		"stream":   false,
	}
	var completion json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/chat/completions", body, &completion); err != nil {
		return nil, err
	}
	return completion, nil
}

// GetModels lists the models the runtime serves.
func (c *OpenAIClient) GetModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	var result struct {
		Data []protocol.ModelInfo `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// CountEmbeddings returns the prompt token count reported by the embeddings
// endpoint. The count is deterministic for a given model and input, which
// pricing relies on: customer and provider must agree on it.
func (c *OpenAIClient) CountEmbeddings(ctx context.Context, model string, inputs []protocol.ChatMessage) (int, error) {
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Content
	}
	body := map[string]interface{}{
		"model": model,
		"input": texts,
	}
	var result struct {
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/embeddings", body, &result); err != nil {
		return 0, err
	}
	return result.Usage.PromptTokens, nil
}

// Package ollama calls an Ollama server's embedding endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lectern/internal/services"
)

// HTTPDoer is the subset of http.Client used by the client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client embeds texts with a fixed model.
type Client struct {
	baseURL string
	model   string
	client  HTTPDoer
}

// New constructs a client. baseURL should end in /api; it is appended when missing.
func New(baseURL, model string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{baseURL: base, model: model, client: &http.Client{Timeout: timeout}}
}

// WithHTTPClient swaps the transport.
func (c *Client) WithHTTPClient(doer HTTPDoer) *Client {
	if doer != nil {
		c.client = doer
	}
	return c
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "vectorize", "embed", c.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		marker := services.ErrTransient
		if resp.StatusCode == http.StatusNotFound {
			// Ollama answers 404 for models that have not been pulled.
			marker = services.ErrConfiguration
		}
		return nil, services.Wrap(marker, "vectorize", "embed",
			fmt.Sprintf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, services.Wrap(services.ErrTransient, "vectorize", "decode embeddings", c.model, err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, services.Wrap(services.ErrTransient, "vectorize", "embed",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(out.Embeddings)), nil)
	}
	return out.Embeddings, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned %d", resp.StatusCode)
	}
	return nil
}

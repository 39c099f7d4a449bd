// Package anchor mirrors proposals and votes to an external append-only
// record service. Mirroring is asynchronous and never blocks local writes;
// the local database stays authoritative.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client creates records on the external anchor service. Both calls return
// the remote reference to store alongside the local row.
type Client interface {
	CreateRecord(ctx context.Context, payload map[string]any) (string, error)
	AppendRecord(ctx context.Context, parentRef string, payload map[string]any) (string, error)
}

type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type recordResponse struct {
	ID       string `json:"id"`
	IPFSHash string `json:"ipfsHash"`
}

func (c *HTTPClient) CreateRecord(ctx context.Context, payload map[string]any) (string, error) {
	return c.post(ctx, c.baseURL+"/api/v1/records", payload)
}

func (c *HTTPClient) AppendRecord(ctx context.Context, parentRef string, payload map[string]any) (string, error) {
	return c.post(ctx, c.baseURL+"/api/v1/records/"+parentRef+"/append", payload)
}

func (c *HTTPClient) post(ctx context.Context, url string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode anchor payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read anchor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("anchor service returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var record recordResponse
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}
	if record.IPFSHash != "" {
		return record.IPFSHash, nil
	}
	if record.ID == "" {
		return "", fmt.Errorf("anchor response missing record id")
	}
	return record.ID, nil
}

func truncate(raw []byte, max int) string {
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}

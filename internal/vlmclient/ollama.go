package vlmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OllamaBackend calls a local Ollama server's /api/generate endpoint
// directly with the snapshot attached as an inline base64 image.
type OllamaBackend struct {
	apiURL string
	model  string
	http   *http.Client
}

// NewOllamaBackend builds a direct Ollama backend.
func NewOllamaBackend(apiURL, model string) *OllamaBackend {
	return &OllamaBackend{
		apiURL: strings.TrimRight(apiURL, "/"),
		model:  model,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *OllamaBackend) Name() string { return "ollama" }

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Analyze sends req.Prompt and the base64-encoded snapshot to Ollama and
// returns its generated response text.
func (o *OllamaBackend) Analyze(ctx context.Context, req Request) (string, error) {
	if o.apiURL == "" {
		return "", fmt.Errorf("ollama backend not configured")
	}

	var images []string
	if req.SnapshotPath != "" {
		data, err := os.ReadFile(req.SnapshotPath)
		if err != nil {
			return "", fmt.Errorf("reading snapshot %s: %w", req.SnapshotPath, err)
		}
		images = []string{base64.StdEncoding.EncodeToString(data)}
	}

	payload, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		Images: images,
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	url := o.apiURL + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

package vlmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WebhookBackend posts an analysis request to an agent webhook and then
// polls that agent's session transcript for the assistant's reply. It is
// grounded directly on original_source's send_to_openclaw /
// read_openclaw_session_reply pair: the webhook call only acknowledges
// receipt, the actual VLM reply streams into a session transcript file
// asynchronously.
type WebhookBackend struct {
	webhookURL    string
	fallbackURL   string
	token         string
	agentName     string
	model         string
	fallbackModel string
	workspaceDir  string
	http          *http.Client
	pollTimeout   time.Duration
	pollTick      time.Duration
}

// WebhookConfig configures a WebhookBackend.
type WebhookConfig struct {
	WebhookURL    string
	FallbackURL   string
	Token         string
	AgentName     string
	Model         string
	FallbackModel string
	WorkspaceDir  string
	PollTimeout   time.Duration
}

// NewWebhookBackend builds a WebhookBackend from cfg.
func NewWebhookBackend(cfg WebhookConfig) *WebhookBackend {
	pollTimeout := cfg.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = 90 * time.Second
	}
	return &WebhookBackend{
		webhookURL:    cfg.WebhookURL,
		fallbackURL:   cfg.FallbackURL,
		token:         cfg.Token,
		agentName:     cfg.AgentName,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		workspaceDir:  cfg.WorkspaceDir,
		http:          &http.Client{Timeout: 90 * time.Second},
		pollTimeout:   pollTimeout,
		pollTick:      time.Second,
	}
}

func (w *WebhookBackend) Name() string { return "openclaw-webhook" }

type agentHookPayload struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Model          string `json:"model,omitempty"`
}

// Analyze posts req to the webhook with a session key derived from camera
// and event ID, then polls the session transcript for the assistant's
// reply. If the primary webhook's POST itself fails, or if it succeeds
// but no transcript reply appears before pollTimeout, Analyze falls back
// to fallbackURL under a session key suffixed ":fallback" and polls that
// session instead.
func (w *WebhookBackend) Analyze(ctx context.Context, req Request) (string, error) {
	sessionKey := fmt.Sprintf("frigate:%s:%s", req.Camera, req.EventID)

	message := req.Prompt
	if req.SnapshotPath != "" {
		message = fmt.Sprintf("MEDIA: %s\n%s", req.SnapshotPath, message)
	}

	var primaryErr error
	if err := w.post(ctx, w.webhookURL, message, sessionKey, w.model); err != nil {
		primaryErr = err
	} else if reply, err := w.pollReply(ctx, sessionKey); err == nil {
		return reply, nil
	} else {
		primaryErr = err
	}

	if w.fallbackURL == "" {
		return "", primaryErr
	}

	fallbackKey := sessionKey + ":fallback"
	if err := w.post(ctx, w.fallbackURL, message, fallbackKey, w.fallbackModel); err != nil {
		return "", fmt.Errorf("primary webhook failed (%v), fallback also failed: %w", primaryErr, err)
	}

	reply, err := w.pollReply(ctx, fallbackKey)
	if err != nil {
		return "", fmt.Errorf("primary webhook failed (%v), fallback poll also failed: %w", primaryErr, err)
	}
	return reply, nil
}

func (w *WebhookBackend) post(ctx context.Context, url, message, sessionKey, model string) error {
	if url == "" {
		return fmt.Errorf("webhook url not configured")
	}
	payload, err := json.Marshal(agentHookPayload{
		Message:        message,
		SessionKey:     sessionKey,
		TimeoutSeconds: 60,
		Model:          model,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

type sessionIndexEntry struct {
	SessionID string `json:"sessionId"`
}

// transcriptRecord is one line of a session's .jsonl transcript. Only
// {"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"..."}]}}
// records carry a reply; every other record type is skipped.
type transcriptRecord struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// pollReply polls sessions.json then the session's own transcript file,
// the tri-state poll original_source implements: no index entry yet, an
// index entry but no transcript file yet, or a transcript file with no
// assistant reply yet.
func (w *WebhookBackend) pollReply(ctx context.Context, sessionKey string) (string, error) {
	deadline := time.Now().Add(w.pollTimeout)
	indexKey := fmt.Sprintf("agent:%s:%s", w.agentName, strings.ToLower(sessionKey))
	indexPath := filepath.Join(w.workspaceDir, "sessions.json")

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		sessionID, ok := w.lookupSessionID(indexPath, indexKey)
		if !ok {
			time.Sleep(w.pollTick)
			continue
		}

		transcriptPath := filepath.Join(w.workspaceDir, sessionID+".jsonl")
		reply, found := w.lookupAssistantReply(transcriptPath)
		if !found {
			time.Sleep(w.pollTick)
			continue
		}
		return reply, nil
	}
	return "", fmt.Errorf("timed out waiting for session reply for %s", sessionKey)
}

func (w *WebhookBackend) lookupSessionID(indexPath, indexKey string) (string, bool) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return "", false
	}
	var index map[string]sessionIndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return "", false
	}
	entry, ok := index[indexKey]
	if !ok || entry.SessionID == "" {
		return "", false
	}
	return entry.SessionID, true
}

// lookupAssistantReply returns the text of the LAST assistant message
// record in the transcript at transcriptPath, concatenating that
// message's text content parts.
func (w *WebhookBackend) lookupAssistantReply(transcriptPath string) (string, bool) {
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return "", false
	}

	var lastReply string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "message" || rec.Message.Role != "assistant" {
			continue
		}
		var parts []string
		for _, c := range rec.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) == 0 {
			continue
		}
		lastReply = stripMediaLines(strings.Join(parts, "\n"))
	}
	if lastReply == "" {
		return "", false
	}
	return lastReply, true
}

// stripMediaLines removes MEDIA: reference lines from a reply, matching
// original_source's reply-cleaning behavior.
func stripMediaLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "MEDIA:") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

package vlmclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMessage(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
}

func assistantMessage(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
}

func TestWebhookBackend_PollReply(t *testing.T) {
	dir := t.TempDir()
	w := &WebhookBackend{
		agentName:    "main",
		workspaceDir: dir,
		pollTimeout:  2 * time.Second,
		pollTick:     10 * time.Millisecond,
	}

	sessionKey := "frigate:front_door:evt1"

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeSessionIndex(t, dir, "agent:main:"+sessionKey, "sess-123")
		time.Sleep(30 * time.Millisecond)
		writeTranscript(t, dir, "sess-123", []map[string]any{
			userMessage("describe this"),
			assistantMessage("MEDIA: /tmp/x.jpg\nTHREAT: LOW\nNothing of note."),
		})
	}()

	reply, err := w.pollReply(t.Context(), sessionKey)
	require.NoError(t, err)
	assert.Equal(t, "THREAT: LOW\nNothing of note.", reply)
}

func TestWebhookBackend_PollReply_ConcatenatesMultipleTextParts(t *testing.T) {
	dir := t.TempDir()
	w := &WebhookBackend{
		agentName:    "main",
		workspaceDir: dir,
		pollTimeout:  2 * time.Second,
		pollTick:     10 * time.Millisecond,
	}
	sessionKey := "frigate:front_door:evt2"
	writeSessionIndex(t, dir, "agent:main:"+sessionKey, "sess-456")

	rec := map[string]any{
		"type": "message",
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "THREAT: MEDIUM"},
				{"type": "text", "text": "Unknown person at the gate."},
			},
		},
	}
	writeTranscript(t, dir, "sess-456", []map[string]any{rec})

	reply, err := w.pollReply(t.Context(), sessionKey)
	require.NoError(t, err)
	assert.Equal(t, "THREAT: MEDIUM\nUnknown person at the gate.", reply)
}

func TestWebhookBackend_PollReply_TimesOut(t *testing.T) {
	dir := t.TempDir()
	w := &WebhookBackend{
		agentName:    "main",
		workspaceDir: dir,
		pollTimeout:  50 * time.Millisecond,
		pollTick:     10 * time.Millisecond,
	}

	_, err := w.pollReply(t.Context(), "frigate:front_door:never")
	assert.Error(t, err)
}

func TestWebhookBackend_Analyze_FallsBackWhenPrimaryNeverProducesTranscript(t *testing.T) {
	dir := t.TempDir()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	var fallbackHit bool
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHit = true
		go func() {
			time.Sleep(20 * time.Millisecond)
			writeSessionIndex(t, dir, "agent:main:frigate:front_door:evt3:fallback", "sess-fb")
			writeTranscript(t, dir, "sess-fb", []map[string]any{
				assistantMessage("THREAT: LOW\nNothing here."),
			})
		}()
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	backend := NewWebhookBackend(WebhookConfig{
		WebhookURL:   primary.URL,
		FallbackURL:  fallback.URL,
		AgentName:    "main",
		WorkspaceDir: dir,
		PollTimeout:  60 * time.Millisecond,
	})
	backend.pollTick = 5 * time.Millisecond

	reply, err := backend.Analyze(t.Context(), Request{Camera: "front_door", EventID: "evt3", Prompt: "describe"})
	require.NoError(t, err)
	assert.Equal(t, "THREAT: LOW\nNothing here.", reply)
	assert.True(t, fallbackHit)
}

func writeSessionIndex(t *testing.T, dir, key, sessionID string) {
	t.Helper()
	index := map[string]sessionIndexEntry{key: {SessionID: sessionID}}
	b, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), b, 0o644))
}

func writeTranscript(t *testing.T, dir, sessionID string, records []map[string]any) {
	t.Helper()
	var out []byte
	for _, r := range records {
		b, err := json.Marshal(r)
		require.NoError(t, err)
		out = append(out, b...)
		out = append(out, '\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), out, 0o644))
}

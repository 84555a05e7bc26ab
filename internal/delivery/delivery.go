// Package delivery forwards a confirmed alert to a messaging channel (a
// WhatsApp-capable agent webhook), one request per recipient, gated by a
// minimum risk threshold.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/techposts/frigate-bridge/internal/decision"
)

// Poster forwards one alert message to one recipient.
type Poster struct {
	WebhookURL string
	Token      string
	AgentName  string
	Model      string
	http       *http.Client
}

// NewPoster builds a Poster against webhookURL.
func NewPoster(webhookURL, token, agentName, model string) *Poster {
	return &Poster{
		WebhookURL: webhookURL,
		Token:      token,
		AgentName:  agentName,
		Model:      model,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

var riskRank = map[decision.RiskLevel]int{
	decision.RiskLow:      0,
	decision.RiskMedium:   1,
	decision.RiskHigh:     2,
	decision.RiskCritical: 3,
}

// MeetsThreshold reports whether risk is at or above minRisk.
func MeetsThreshold(risk, minRisk decision.RiskLevel) bool {
	return riskRank[risk] >= riskRank[minRisk]
}

type deliveryPayload struct {
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Model          string `json:"model,omitempty"`
	Name           string `json:"name,omitempty"`
	SessionKey     string `json:"sessionKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Deliver forwards message (which may include one or more "MEDIA: <path>"
// reference lines) to every recipient in to, one HTTP request each so one
// recipient's failure never blocks delivery to the others.
func (p *Poster) Deliver(ctx context.Context, to []string, camera, eventID, message string) []error {
	var errs []error
	for _, recipient := range to {
		if err := p.deliverOne(ctx, recipient, camera, eventID, message); err != nil {
			errs = append(errs, fmt.Errorf("delivery to %s: %w", recipient, err))
		}
	}
	return errs
}

func (p *Poster) deliverOne(ctx context.Context, recipient, camera, eventID, message string) error {
	sessionKey := fmt.Sprintf("frigate-alert:%s:%s:%s", camera, eventID, recipient)
	payload, err := json.Marshal(deliveryPayload{
		Message:        message,
		Deliver:        true,
		Channel:        "whatsapp",
		To:             recipient,
		Model:          p.Model,
		Name:           p.AgentName,
		SessionKey:     sessionKey,
		TimeoutSeconds: 30,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// forwardVerbatimInstruction is the mandatory lead-in every outbound
// message carries, instructing the receiving agent to relay the alert
// text unmodified rather than paraphrase it.
const forwardVerbatimInstruction = "Forward the following message to the recipient verbatim; do not rewrite, summarize, or add commentary.\n\n"

// MessageInput is everything BuildMessage needs to compose one alert.
type MessageInput struct {
	Camera         string
	SnapshotPath   string
	ClipPath       string
	Decision       *decision.AIDecision
	RiskLevel      decision.RiskLevel
	Action         decision.Action
	ContextNote    string
	Escalated      bool
	EscalationNote string
}

// BuildMessage composes the outbound alert text: a forward-verbatim
// lead-in, a snapshot reference, a severity-coded header, the scene
// details the VLM and rule engine produced, and a trailing clip
// reference when one was saved.
func BuildMessage(in MessageInput) string {
	var b strings.Builder
	b.WriteString(forwardVerbatimInstruction)

	if in.SnapshotPath != "" {
		fmt.Fprintf(&b, "MEDIA: %s\n", in.SnapshotPath)
	}

	fmt.Fprintf(&b, "%s Security alert, %s.\n", severityIcon(in.RiskLevel), in.Camera)

	if in.Decision != nil {
		if line := subjectLine(in.Decision.Subject); line != "" {
			fmt.Fprintf(&b, "%s\n", line)
		}
		if in.Decision.Behavior != "" {
			fmt.Fprintf(&b, "Behavior: %s\n", in.Decision.Behavior)
		}
	}

	fmt.Fprintf(&b, "Risk: %s\n", in.RiskLevel)

	if in.ContextNote != "" {
		fmt.Fprintf(&b, "Context: %s\n", in.ContextNote)
	}

	fmt.Fprintf(&b, "Action: %s\n", in.Action)

	reason := ""
	if in.Decision != nil {
		reason = in.Decision.Reason
	}
	fmt.Fprintf(&b, "%s\n", BuildTTS(in.Camera, reason))

	if in.Escalated {
		note := in.EscalationNote
		if note == "" {
			note = "risk escalated by policy"
		}
		fmt.Fprintf(&b, "Escalation: %s\n", note)
	}

	if in.ClipPath != "" {
		fmt.Fprintf(&b, "MEDIA: %s\n", in.ClipPath)
	}

	return strings.TrimRight(b.String(), "\n")
}

func severityIcon(r decision.RiskLevel) string {
	switch r {
	case decision.RiskCritical:
		return "🚨"
	case decision.RiskHigh:
		return "⚠️"
	case decision.RiskMedium:
		return "🔔"
	default:
		return "ℹ️"
	}
}

func subjectLine(s *decision.Subject) string {
	if s == nil {
		return ""
	}
	switch {
	case s.Identity != "" && s.Description != "":
		return fmt.Sprintf("Subject: %s (%s)", s.Identity, s.Description)
	case s.Identity != "":
		return fmt.Sprintf("Subject: %s", s.Identity)
	case s.Description != "":
		return fmt.Sprintf("Subject: %s", s.Description)
	default:
		return ""
	}
}

// BuildTTS shortens a reason to its first two sentences. Only when the
// reason is empty does it return the camera-attributed lead-in
// "Security alert, {camera}." instead.
func BuildTTS(camera, reason string) string {
	sentences := splitSentences(reason)
	if len(sentences) > 2 {
		sentences = sentences[:2]
	}
	body := strings.TrimSpace(strings.Join(sentences, " "))
	if body == "" {
		return fmt.Sprintf("Security alert, %s.", camera)
	}
	return body
}

func splitSentences(s string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range s {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			trimmed := strings.TrimSpace(cur.String())
			if trimmed != "" {
				out = append(out, trimmed)
			}
			cur.Reset()
		}
	}
	if trimmed := strings.TrimSpace(cur.String()); trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}


// Package decision turns a VLM's free-text or JSON reply into a normalized
// AIDecision, trying progressively looser parsing strategies until one
// succeeds, then sanitizing the result so malformed or out-of-range fields
// never reach the rule engine.
package decision

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RiskLevel is the bridge's normalized risk scale, ordered low to
// critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether r is at least as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// Action is one of the bridge's allowed response actions. Any value
// outside this enumeration collapses to ActionNotifyOnly during
// sanitization.
type Action string

const (
	ActionNotifyOnly        Action = "notify_only"
	ActionNotifyAndSaveClip Action = "notify_and_save_clip"
	ActionNotifyAndLight    Action = "notify_and_light"
	ActionNotifyAndSpeaker  Action = "notify_and_speaker"
	ActionNotifyAndAlarm    Action = "notify_and_alarm"
)

var validActions = map[Action]bool{
	ActionNotifyOnly:        true,
	ActionNotifyAndSaveClip: true,
	ActionNotifyAndLight:    true,
	ActionNotifyAndSpeaker:  true,
	ActionNotifyAndAlarm:    true,
}

// NormalizeAction maps s onto the action enumeration, collapsing anything
// unrecognized to ActionNotifyOnly.
func NormalizeAction(s string) Action {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if validActions[a] {
		return a
	}
	return ActionNotifyOnly
}

// Subject identifies who or what the VLM believes it is looking at.
type Subject struct {
	Identity    string `json:"identity,omitempty"`
	Description string `json:"description,omitempty"`
}

// AIDecision is the normalized result of interpreting one VLM reply.
type AIDecision struct {
	RiskLevel  RiskLevel `json:"risk"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Action     Action    `json:"action"`
	Reason     string    `json:"reason"`
	Behavior   string    `json:"behavior,omitempty"`
	Subject    *Subject  `json:"subject,omitempty"`
	Source     string    `json:"-"`
	Raw        string    `json:"-"`
}

const (
	structuredSchemaDoc = `{
		"type": "object",
		"required": ["risk"],
		"properties": {
			"risk": {
				"type": "object",
				"required": ["level"],
				"properties": {
					"level": {"type": "string"},
					"confidence": {"type": "number"},
					"reason": {"type": "string"}
				}
			},
			"subject": {"type": "object"},
			"behavior": {"type": "string"},
			"type": {"type": "string"},
			"action": {"type": "string"}
		}
	}`

	flatSchemaDoc = `{
		"type": "object",
		"required": ["risk"],
		"properties": {
			"risk": {"type": "string"},
			"type": {"type": "string"},
			"confidence": {"type": "number"},
			"action": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`
)

var (
	structuredSchema = mustCompile("structured.json", structuredSchemaDoc)
	flatSchema       = mustCompile("flat.json", flatSchemaDoc)
)

func mustCompile(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(doc))); err != nil {
		panic(err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

var (
	threatPattern     = regexp.MustCompile(`(?i)THREAT:\s*(CRITICAL|HIGH|MEDIUM|LOW)`)
	jsonPrefixPattern = regexp.MustCompile(`(?im)^[ \t]*json:[ \t]*(.*)$`)
	fencePattern      = regexp.MustCompile("(?s)```(?:json)?[ \t]*\r?\n?(.*?)```")
)

// Parse interprets a raw VLM reply, trying strategies from strictest to
// loosest: a "json:" prefixed block, a fenced code block, a standalone
// `{...}` line containing "risk", a `{...}` substring found anywhere, and
// finally a free-text fallback that never fails to produce a decision. The
// result is always sanitized before it is returned.
func Parse(raw string) *AIDecision {
	trimmed := strings.TrimSpace(raw)

	if d := parseJSONPrefixed(trimmed); d != nil {
		return Sanitize(d)
	}
	if d := parseFenced(trimmed); d != nil {
		return Sanitize(d)
	}
	if d := parseStandaloneBraceLine(trimmed); d != nil {
		return Sanitize(d)
	}
	if d := parseRiskAnywhere(trimmed); d != nil {
		return Sanitize(d)
	}
	return Sanitize(parseFreeText(trimmed))
}

func parseJSONPrefixed(s string) *AIDecision {
	loc := jsonPrefixPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil
	}
	inline := strings.TrimSpace(s[loc[2]:loc[3]])
	candidate := inline
	if !strings.Contains(candidate, "{") {
		candidate = strings.TrimSpace(s[loc[1]:])
	}
	body := ExtractJSONObject(candidate)
	if body == "" {
		return nil
	}
	return decodeCandidate(body, s, "json_prefixed")
}

func parseFenced(s string) *AIDecision {
	m := fencePattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	body := ExtractJSONObject(m[1])
	if body == "" {
		return nil
	}
	return decodeCandidate(body, s, "fenced")
}

func parseStandaloneBraceLine(s string) *AIDecision {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") && strings.Contains(line, `"risk"`) {
			if d := decodeCandidate(line, s, "brace_line"); d != nil {
				return d
			}
		}
	}
	return nil
}

func parseRiskAnywhere(s string) *AIDecision {
	idx := 0
	for {
		start := strings.IndexByte(s[idx:], '{')
		if start == -1 {
			return nil
		}
		start += idx
		body := ExtractJSONObject(s[start:])
		if body == "" {
			idx = start + 1
			continue
		}
		if strings.Contains(body, `"risk"`) {
			if d := decodeCandidate(body, s, "risk_anywhere"); d != nil {
				return d
			}
		}
		idx = start + 1
	}
}

// decodeCandidate validates jsonBody against the structured schema, then
// the flat schema, and flattens whichever one matches into an AIDecision.
// The two shapes are mutually exclusive (risk is an object in one, a
// string in the other), so at most one ever validates.
func decodeCandidate(jsonBody, raw, source string) *AIDecision {
	var v any
	if err := json.Unmarshal([]byte(jsonBody), &v); err != nil {
		return nil
	}

	if structuredSchema.Validate(v) == nil {
		var s structuredShape
		if err := json.Unmarshal([]byte(jsonBody), &s); err == nil {
			d := flattenStructured(s)
			d.Source, d.Raw = source, raw
			return d
		}
	}
	if flatSchema.Validate(v) == nil {
		var f flatShape
		if err := json.Unmarshal([]byte(jsonBody), &f); err == nil {
			d := flattenFlat(f)
			d.Source, d.Raw = source, raw
			return d
		}
	}
	return nil
}

type structuredShape struct {
	Risk struct {
		Level      string  `json:"level"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	} `json:"risk"`
	Subject *struct {
		Identity    string `json:"identity"`
		Description string `json:"description"`
	} `json:"subject"`
	Behavior string `json:"behavior"`
	Type     string `json:"type"`
	Action   string `json:"action"`
}

type flatShape struct {
	Risk       string  `json:"risk"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
}

func flattenStructured(s structuredShape) *AIDecision {
	d := &AIDecision{
		RiskLevel:  NormalizeRisk(s.Risk.Level),
		Confidence: s.Risk.Confidence,
		Reason:     s.Risk.Reason,
		Behavior:   s.Behavior,
		Type:       s.Type,
		Action:     NormalizeAction(s.Action),
	}
	if s.Subject != nil {
		d.Subject = &Subject{Identity: s.Subject.Identity, Description: s.Subject.Description}
	}
	return d
}

func flattenFlat(f flatShape) *AIDecision {
	return &AIDecision{
		RiskLevel:  NormalizeRisk(f.Risk),
		Type:       f.Type,
		Confidence: f.Confidence,
		Action:     NormalizeAction(f.Action),
		Reason:     f.Reason,
	}
}

// parseFreeText extracts a "THREAT: HIGH" style marker (original_source's
// extract_risk convention) and classifies a type from keywords when no
// JSON candidate parses at all.
func parseFreeText(s string) *AIDecision {
	risk := RiskLow
	if m := threatPattern.FindStringSubmatch(s); m != nil {
		risk = NormalizeRisk(m[1])
	}
	return &AIDecision{
		RiskLevel: risk,
		Type:      classifyType(s),
		Action:    defaultActionFor(risk),
		Reason:    firstLine(stripThreatLine(s)),
		Source:    "free_text",
		Raw:       s,
	}
}

func classifyType(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "delivery") || strings.Contains(lower, "package"):
		return "delivery"
	case strings.Contains(lower, "known") || strings.Contains(lower, "familiar"):
		return "known_person"
	case strings.Contains(lower, "loitering"):
		return "loitering"
	case strings.Contains(lower, "vehicle") || strings.Contains(lower, "car"):
		return "vehicle"
	case strings.Contains(lower, "animal") || strings.Contains(lower, "dog") || strings.Contains(lower, "cat"):
		return "animal"
	case strings.Contains(lower, "person"):
		return "person"
	default:
		return "other"
	}
}

func defaultActionFor(r RiskLevel) Action {
	switch r {
	case RiskCritical:
		return ActionNotifyAndAlarm
	case RiskHigh:
		return ActionNotifyAndLight
	case RiskMedium:
		return ActionNotifyAndSaveClip
	default:
		return ActionNotifyOnly
	}
}

// NormalizeRisk maps s onto the risk enumeration, defaulting to RiskLow
// for anything unrecognized.
func NormalizeRisk(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return RiskCritical
	case "high":
		return RiskHigh
	case "medium", "med":
		return RiskMedium
	default:
		return RiskLow
	}
}

// Sanitize clamps every field of d to its enumeration or numeric range:
// risk and action always belong to their enums after this call, confidence
// always lands in [0,1] (a value in (1,100] is treated as a percent and
// divided by 100 first), and an empty reason becomes a placeholder.
func Sanitize(d *AIDecision) *AIDecision {
	out := *d
	if _, ok := riskRank[out.RiskLevel]; !ok {
		out.RiskLevel = RiskLow
	}
	out.Action = NormalizeAction(string(out.Action))
	if strings.TrimSpace(out.Type) == "" {
		out.Type = "other"
	}
	if strings.TrimSpace(out.Reason) == "" {
		out.Reason = "AI decision unavailable"
	}
	out.Confidence = sanitizeConfidence(out.Confidence)
	return &out
}

func sanitizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v = v / 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExtractJSONObject finds the first balanced {...} substring in s, since a
// VLM reply commonly wraps its JSON in prose or a markdown code fence.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func stripThreatLine(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if threatPattern.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

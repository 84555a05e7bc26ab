// Package config loads the bridge's runtime configuration: a JSON file on
// disk plus an optional KEY=VALUE secrets sidecar, merged into an immutable
// snapshot with typed getters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Runtime is an immutable snapshot of the bridge configuration. Callers
// never mutate a Runtime after Load returns it; a changed config file is
// picked up by calling Load again and swapping the pointer.
type Runtime struct {
	raw rawConfig
}

// rawConfig mirrors the JSON file layout. Keys the operator panel also
// writes (ui_users, audit_signing_key, cluster_node_id, ...) are simply
// ignored by json.Unmarshal since this loader never writes the file back
// except to seed it the first time, so it never corrupts fields it
// doesn't know about.
type rawConfig struct {
	MQTTHost                  string              `json:"mqtt_host"`
	MQTTPort                  int                 `json:"mqtt_port"`
	MQTTUser                  string              `json:"mqtt_user"`
	MQTTPass                  string              `json:"mqtt_pass"`
	MQTTTopicSubscribe        string              `json:"mqtt_topic_subscribe"`
	MQTTTopicPublish          string              `json:"mqtt_topic_publish"`
	FrigateAPI                string              `json:"frigate_api"`
	OpenclawAnalysisWebhook   string              `json:"openclaw_analysis_webhook"`
	OpenclawDeliveryWebhook   string              `json:"openclaw_delivery_webhook"`
	OpenclawToken             string              `json:"openclaw_token"`
	OpenclawAnalysisAgentName string              `json:"openclaw_analysis_agent_name"`
	OpenclawDeliveryAgentName string              `json:"openclaw_delivery_agent_name"`
	OpenclawAnalysisModel     string              `json:"openclaw_analysis_model"`
	OpenclawAnalysisModelFB   string              `json:"openclaw_analysis_model_fallback"`
	OpenclawAnalysisWebhookFB string              `json:"openclaw_analysis_webhook_fallback"`
	OllamaAPI                 string              `json:"ollama_api"`
	OllamaModel               string              `json:"ollama_model"`
	WhatsappTo                []string            `json:"whatsapp_to"`
	WhatsappEnabled           bool                `json:"whatsapp_enabled"`
	WhatsappMinRiskLevel      string              `json:"whatsapp_min_risk_level"`
	CooldownSeconds           int                 `json:"cooldown_seconds"`
	HAURL                     string              `json:"ha_url"`
	HAToken                   string              `json:"ha_token"`
	CameraZoneLights          map[string][]string `json:"camera_zone_lights"`
	CameraZoneLightsDefault   []string            `json:"camera_zone_lights_default"`
	AlarmEntity               string              `json:"alarm_entity"`
	QuietHoursStart           int                 `json:"quiet_hours_start"`
	QuietHoursEnd             int                 `json:"quiet_hours_end"`
	HAHomeModeEntity          string              `json:"ha_home_mode_entity"`
	HAKnownFacesEntity        string              `json:"ha_known_faces_entity"`
	ExcludeKnownFaces         bool                `json:"exclude_known_faces"`
	CameraContextNotes        map[string]string   `json:"camera_context_notes"`
	CameraPolicyZones         map[string]string   `json:"camera_policy_zones"`
	CameraPolicyZoneDefault   string              `json:"camera_policy_zone_default"`
	RecentEventsWindowSeconds int                 `json:"recent_events_window_seconds"`
	EventHistoryFile          string              `json:"event_history_file"`
	EventHistoryWindowSeconds int                 `json:"event_history_window_seconds"`
	EventHistoryMaxLines      int                 `json:"event_history_max_lines"`
	Phase3Enabled             bool                `json:"phase3_enabled"`
	Phase4Enabled             bool                `json:"phase4_enabled"`
	Phase5Enabled             bool                `json:"phase5_enabled"`
	Phase8Enabled             bool                `json:"phase8_enabled"`
	Phase5ConfirmDelaySeconds int                 `json:"phase5_confirm_delay_seconds"`
	Phase5ConfirmTimeoutSec   int                 `json:"phase5_confirm_timeout_seconds"`
	Phase5ConfirmRisks        []string            `json:"phase5_confirm_risks"`
	StatusIntervalSeconds     int                 `json:"status_interval_seconds"`
	SnapshotDir               string              `json:"snapshot_dir"`
	WorkspaceDir              string              `json:"workspace_dir"`
	MinioEndpoint             string              `json:"minio_endpoint"`
	MinioAccessKey            string              `json:"minio_access_key"`
	MinioSecretKey            string              `json:"minio_secret_key"`
	MinioBucket               string              `json:"minio_bucket"`
	MinioUseSSL               bool                `json:"minio_use_ssl"`
	MinioPublicBaseURL        string              `json:"minio_public_base_url"`
	OpenclawDeliveryModel     string              `json:"openclaw_delivery_model"`
	SpeakerEntities           []string            `json:"speaker_entities"`
}

// DefaultConfig mirrors original_source's DEFAULT_CONFIG so a missing config
// file produces exactly the values the operator panel would also seed.
func DefaultConfig() rawConfig {
	return rawConfig{
		MQTTHost:                  "localhost",
		MQTTPort:                  1883,
		MQTTTopicSubscribe:        "frigate/events",
		MQTTTopicPublish:          "openclaw/frigate/analysis",
		FrigateAPI:                "http://localhost:5000",
		OpenclawAnalysisWebhook:   "http://localhost:18789/hooks/agent",
		OpenclawDeliveryWebhook:   "http://localhost:18789/hooks/agent",
		OpenclawAnalysisAgentName: "main",
		OpenclawDeliveryAgentName: "main",
		OllamaModel:               "qwen2.5vl:7b",
		CooldownSeconds:           30,
		QuietHoursStart:           23,
		QuietHoursEnd:             6,
		HAHomeModeEntity:          "input_select.home_mode",
		HAKnownFacesEntity:        "binary_sensor.known_faces_present",
		CameraPolicyZoneDefault:  "entry",
		RecentEventsWindowSeconds: 600,
		EventHistoryFile:          "storage/events-history.jsonl",
		EventHistoryWindowSeconds: 1800,
		EventHistoryMaxLines:      5000,
		Phase3Enabled:             true,
		Phase4Enabled:             true,
		Phase5Enabled:             true,
		Phase8Enabled:             true,
		Phase5ConfirmDelaySeconds: 4,
		Phase5ConfirmTimeoutSec:   90,
		Phase5ConfirmRisks:        []string{"high", "critical"},
		StatusIntervalSeconds:     30,
		SnapshotDir:               "storage/ai-snapshots",
		WorkspaceDir:              ".openclaw/workspace",
		WhatsappEnabled:           true,
		WhatsappMinRiskLevel:      "medium",
		MinioBucket:               "frigate-snapshots",
	}
}

const maskedSecretPrefix = "********"

func looksMasked(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), maskedSecretPrefix)
}

// Load reads the JSON config file at path (seeding it with defaults if it
// does not exist, exactly as original_source's load_config/save_config do),
// then overlays any secrets from secretsPath.
func Load(path, secretsPath string) (*Runtime, error) {
	def := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := writeDefault(path, def); writeErr != nil {
			return nil, fmt.Errorf("config: seeding default file %s: %w", path, writeErr)
		}
		return &Runtime{raw: def}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	merged := def
	if err := json.Unmarshal(data, &merged); err != nil {
		// Malformed config: proceed with defaults per the Config error class
		// in the error-handling taxonomy (§7) rather than failing startup.
		merged = def
	}

	if err := applySecrets(&merged, secretsPath); err != nil {
		return nil, err
	}

	return &Runtime{raw: merged}, nil
}

func writeDefault(path string, def rawConfig) error {
	b, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// applySecrets overlays recognized KEY=VALUE entries from the sidecar file
// onto merged, but only when the config-file value is not itself a live
// secret (I6: a masked placeholder never overwrites a live credential, and a
// present secrets-file value never overwrites an already-live config value
// with something masked — the secrets file only fills gaps or replaces
// masked placeholders).
func applySecrets(merged *rawConfig, secretsPath string) error {
	if secretsPath == "" {
		return nil
	}
	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		return nil
	}
	secrets, err := godotenv.Read(secretsPath)
	if err != nil {
		return fmt.Errorf("config: reading secrets file %s: %w", secretsPath, err)
	}

	if v, ok := secrets["FRIGATE_MQTT_PASS"]; ok && v != "" && looksMasked(merged.MQTTPass) {
		merged.MQTTPass = v
	} else if v, ok := secrets["FRIGATE_MQTT_PASS"]; ok && v != "" && merged.MQTTPass == "" {
		merged.MQTTPass = v
	}
	if v, ok := secrets["OPENCLAW_TOKEN"]; ok && v != "" && (merged.OpenclawToken == "" || looksMasked(merged.OpenclawToken)) {
		merged.OpenclawToken = v
	}
	if v, ok := secrets["HA_TOKEN"]; ok && v != "" && (merged.HAToken == "" || looksMasked(merged.HAToken)) {
		merged.HAToken = v
	}
	return nil
}

// --- typed getters -----------------------------------------------------

func (r *Runtime) MQTTHost() string           { return r.raw.MQTTHost }
func (r *Runtime) MQTTPort() int              { return r.raw.MQTTPort }
func (r *Runtime) MQTTUser() string           { return r.raw.MQTTUser }
func (r *Runtime) MQTTPass() string           { return r.raw.MQTTPass }
func (r *Runtime) MQTTTopicSubscribe() string { return r.raw.MQTTTopicSubscribe }
func (r *Runtime) MQTTTopicPublish() string   { return r.raw.MQTTTopicPublish }
func (r *Runtime) FrigateAPI() string         { return r.raw.FrigateAPI }

func (r *Runtime) OpenclawAnalysisWebhook() string   { return r.raw.OpenclawAnalysisWebhook }
func (r *Runtime) OpenclawDeliveryWebhook() string   { return r.raw.OpenclawDeliveryWebhook }
func (r *Runtime) OpenclawToken() string             { return r.raw.OpenclawToken }
func (r *Runtime) OpenclawAnalysisAgentName() string { return r.raw.OpenclawAnalysisAgentName }
func (r *Runtime) OpenclawDeliveryAgentName() string { return r.raw.OpenclawDeliveryAgentName }
func (r *Runtime) OpenclawAnalysisModel() string     { return r.raw.OpenclawAnalysisModel }
func (r *Runtime) OpenclawAnalysisModelFallback() string {
	return r.raw.OpenclawAnalysisModelFB
}
func (r *Runtime) OpenclawAnalysisWebhookFallback() string {
	return r.raw.OpenclawAnalysisWebhookFB
}

func (r *Runtime) OllamaAPI() string   { return r.raw.OllamaAPI }
func (r *Runtime) OllamaModel() string { return r.raw.OllamaModel }

func (r *Runtime) WhatsappTo() []string         { return append([]string(nil), r.raw.WhatsappTo...) }
func (r *Runtime) WhatsappEnabled() bool        { return r.raw.WhatsappEnabled }
func (r *Runtime) WhatsappMinRiskLevel() string { return r.raw.WhatsappMinRiskLevel }

func (r *Runtime) CooldownSeconds() time.Duration {
	return time.Duration(r.raw.CooldownSeconds) * time.Second
}

func (r *Runtime) HAURL() string   { return r.raw.HAURL }
func (r *Runtime) HAToken() string { return r.raw.HAToken }

func (r *Runtime) CameraLights(camera string) []string {
	if lights, ok := r.raw.CameraZoneLights[camera]; ok && len(lights) > 0 {
		return append([]string(nil), lights...)
	}
	return append([]string(nil), r.raw.CameraZoneLightsDefault...)
}

func (r *Runtime) AlarmEntity() string { return r.raw.AlarmEntity }

func (r *Runtime) Speakers() []string { return append([]string(nil), r.raw.SpeakerEntities...) }

func (r *Runtime) OpenclawDeliveryModel() string { return r.raw.OpenclawDeliveryModel }

// QuietHours returns the configured [start, end) hour window.
func (r *Runtime) QuietHours() (start, end int) {
	return r.raw.QuietHoursStart, r.raw.QuietHoursEnd
}

func (r *Runtime) HAHomeModeEntity() string   { return r.raw.HAHomeModeEntity }
func (r *Runtime) HAKnownFacesEntity() string { return r.raw.HAKnownFacesEntity }
func (r *Runtime) ExcludeKnownFaces() bool    { return r.raw.ExcludeKnownFaces }

func (r *Runtime) CameraContextNote(camera string) string {
	if note, ok := r.raw.CameraContextNotes[camera]; ok {
		return note
	}
	return ""
}

func (r *Runtime) CameraZone(camera string) string {
	if zone, ok := r.raw.CameraPolicyZones[camera]; ok && zone != "" {
		return zone
	}
	return r.raw.CameraPolicyZoneDefault
}

func (r *Runtime) RecentEventsWindow() time.Duration {
	return time.Duration(r.raw.RecentEventsWindowSeconds) * time.Second
}

func (r *Runtime) EventHistoryFile() string { return r.raw.EventHistoryFile }

func (r *Runtime) EventHistoryWindow() time.Duration {
	return time.Duration(r.raw.EventHistoryWindowSeconds) * time.Second
}

func (r *Runtime) EventHistoryMaxLines() int { return r.raw.EventHistoryMaxLines }

func (r *Runtime) RuleEngineEnabled() bool   { return r.raw.Phase3Enabled }
func (r *Runtime) MemoryEnabled() bool       { return r.raw.Phase4Enabled }
func (r *Runtime) ConfirmationEnabled() bool { return r.raw.Phase5Enabled }
func (r *Runtime) SummaryEnabled() bool      { return r.raw.Phase8Enabled }

func (r *Runtime) ConfirmDelay() time.Duration {
	return time.Duration(r.raw.Phase5ConfirmDelaySeconds) * time.Second
}

func (r *Runtime) ConfirmTimeout() time.Duration {
	return time.Duration(r.raw.Phase5ConfirmTimeoutSec) * time.Second
}

func (r *Runtime) ConfirmRisks() map[string]bool {
	out := make(map[string]bool, len(r.raw.Phase5ConfirmRisks))
	for _, risk := range r.raw.Phase5ConfirmRisks {
		out[strings.ToLower(risk)] = true
	}
	return out
}

func (r *Runtime) StatusInterval() time.Duration {
	return time.Duration(r.raw.StatusIntervalSeconds) * time.Second
}

func (r *Runtime) SnapshotDir() string  { return r.raw.SnapshotDir }
func (r *Runtime) WorkspaceDir() string { return r.raw.WorkspaceDir }

func (r *Runtime) MinioEndpoint() string      { return r.raw.MinioEndpoint }
func (r *Runtime) MinioAccessKey() string     { return r.raw.MinioAccessKey }
func (r *Runtime) MinioSecretKey() string     { return r.raw.MinioSecretKey }
func (r *Runtime) MinioBucket() string        { return r.raw.MinioBucket }
func (r *Runtime) MinioUseSSL() bool          { return r.raw.MinioUseSSL }
func (r *Runtime) MinioPublicBaseURL() string { return r.raw.MinioPublicBaseURL }
func (r *Runtime) MinioConfigured() bool {
	return r.raw.MinioEndpoint != "" && r.raw.MinioAccessKey != "" && r.raw.MinioSecretKey != ""
}

// Redacted returns a copy of the config suitable for logging: every secret
// field is replaced by the masked-secret sentinel.
func (r *Runtime) Redacted() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return maskedSecretPrefix
	}
	return map[string]any{
		"mqtt_host":           r.raw.MQTTHost,
		"mqtt_port":           r.raw.MQTTPort,
		"mqtt_pass":           mask(r.raw.MQTTPass),
		"frigate_api":         r.raw.FrigateAPI,
		"openclaw_token":      mask(r.raw.OpenclawToken),
		"ha_url":              r.raw.HAURL,
		"ha_token":            mask(r.raw.HAToken),
		"cooldown_seconds":    r.raw.CooldownSeconds,
		"phase3_enabled":      r.raw.Phase3Enabled,
		"phase4_enabled":      r.raw.Phase4Enabled,
		"phase5_enabled":      r.raw.Phase5Enabled,
		"phase8_enabled":      r.raw.Phase8Enabled,
		"minio_secret_key":    mask(r.raw.MinioSecretKey),
	}
}

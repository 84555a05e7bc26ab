// Package status periodically publishes the bridge's own health to MQTT,
// mirroring the teacher's runStatusLoop convention of a retained status
// topic carrying process CPU/memory and per-camera liveness.
package status

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Publisher matches messaging.Client.Publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Payload is the retained status message published on each tick.
type Payload struct {
	Online        bool             `json:"online"`
	Hostname      string           `json:"hostname"`
	TimestampUnix int64            `json:"timestamp"`
	CPUPercent    float64          `json:"cpu_percent"`
	MemoryRSSMB   float64          `json:"memory_rss_mb"`
	CameraAges    map[string]int64 `json:"camera_last_alert_age_seconds,omitempty"`
}

// Reporter tracks the age of the last alert per camera and publishes a
// retained health payload on every tick.
type Reporter struct {
	Topic    string
	Interval time.Duration
	MQTT     Publisher
	Log      *zap.Logger

	mu         sync.Mutex
	lastAlerts map[string]time.Time

	proc *process.Process
}

// NewReporter builds a Reporter for the current process.
func NewReporter(topic string, interval time.Duration, mqtt Publisher, log *zap.Logger) *Reporter {
	r := &Reporter{
		Topic:      topic,
		Interval:   interval,
		MQTT:       mqtt,
		Log:        log,
		lastAlerts: make(map[string]time.Time),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

// RecordAlert notes that camera just produced an alert-worthy event, for
// the per-camera liveness signal in the next status publish.
func (r *Reporter) RecordAlert(camera string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAlerts[camera] = at
}

// Run publishes a status payload every Interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish()
		}
	}
}

func (r *Reporter) publish() {
	payload := r.buildPayload()
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.MQTT.Publish(r.Topic, 1, true, b); err != nil && r.Log != nil {
		r.Log.Warn("status publish failed", zap.Error(err))
	}
}

func (r *Reporter) buildPayload() Payload {
	hostname, _ := os.Hostname()
	now := time.Now()

	payload := Payload{
		Online:        true,
		Hostname:      hostname,
		TimestampUnix: now.Unix(),
	}

	if r.proc != nil {
		if cpu, err := r.proc.CPUPercent(); err == nil {
			payload.CPUPercent = cpu
		}
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			payload.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lastAlerts) > 0 {
		ages := make(map[string]int64, len(r.lastAlerts))
		for camera, at := range r.lastAlerts {
			ages[camera] = int64(now.Sub(at).Seconds())
		}
		payload.CameraAges = ages
	}
	return payload
}

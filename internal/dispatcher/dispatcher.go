// Package dispatcher wires every stage of the bridge together: it
// receives NVR motion events over MQTT, applies per-camera cooldown, runs
// the VLM and rule engine, optionally confirms, executes the response
// action, delivers the alert, and records the outcome to history.
//
// Work is sharded across a bounded worker pool keyed by a hash of the
// camera name, the same per-camera-serialization idea as the teacher's
// per-camera goroutine model, but without growing one goroutine per
// camera: a fixed pool size bounds total concurrency while still
// guaranteeing a given camera's events are always processed by the same
// worker, in order.
package dispatcher

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/techposts/frigate-bridge/internal/action"
	"github.com/techposts/frigate-bridge/internal/confirmation"
	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/delivery"
	"github.com/techposts/frigate-bridge/internal/eventhistory"
	"github.com/techposts/frigate-bridge/internal/policycontext"
	"github.com/techposts/frigate-bridge/internal/rules"
	"github.com/techposts/frigate-bridge/internal/snapshotstore"
	"github.com/techposts/frigate-bridge/internal/vlmclient"
)

// EventState is one side (before/after) of an NVR event notification.
type EventState struct {
	ID        string  `json:"id"`
	Camera    string  `json:"camera"`
	Label     string  `json:"label"`
	StartTime float64 `json:"start_time"`
}

// NVREvent is the raw payload published on the NVR's motion-event topic.
type NVREvent struct {
	Type   string      `json:"type"`
	Before *EventState `json:"before"`
	After  *EventState `json:"after"`
}

// Publisher matches messaging.Client.Publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// AnalysisResult is the outbound payload published once a verdict is
// reached. It carries the event identity, the final risk (under
// "risk_level"), action and reason, and the confirmation and override
// flags; the VLM's type, confidence, behavior, subject, media and TTS
// fields are not included.
type AnalysisResult struct {
	EventID    string    `json:"event_id"`
	Camera     string    `json:"camera"`
	Label      string    `json:"label"`
	RiskLevel  string    `json:"risk_level"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	Confirmed  bool      `json:"confirmed"`
	Overridden bool      `json:"overridden"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatcher holds every collaborator the pipeline needs for one event.
type Dispatcher struct {
	Log *zap.Logger

	OutputTopic string
	PublishQoS  byte
	MQTT        Publisher

	CooldownWindow time.Duration
	SnapshotDir    string

	SnapshotFetch func(ctx context.Context, eventID string) ([]byte, error)
	VLM           *vlmclient.Chain
	PromptFor     func(camera, label string) string

	PolicyBuilder     *policycontext.Builder
	ExcludeKnownFaces bool
	Confirm           *confirmation.Controller
	ConfirmRisks      map[string]bool
	Action            *action.Executor
	Delivery          *delivery.Poster
	WhatsappTo        []string
	WhatsappEnabled   bool
	WhatsappMinRisk   decision.RiskLevel

	History *eventhistory.Store

	OnAlert func(camera string, at time.Time)

	workerCount int
	mu          sync.Mutex
	cooldowns   map[string]time.Time
	workers     []chan task
	once        sync.Once
}

type task struct {
	camera string
	raw    []byte
}

// New builds a Dispatcher with workerCount background workers.
func New(workerCount int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Dispatcher{
		workerCount: workerCount,
		cooldowns:   make(map[string]time.Time),
	}
}

// Start launches the worker pool. Must be called once before HandleMessage.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		d.workers = make([]chan task, d.workerCount)
		for i := 0; i < d.workerCount; i++ {
			ch := make(chan task, 32)
			d.workers[i] = ch
			go d.runWorker(ctx, ch)
		}
	})
}

func (d *Dispatcher) runWorker(ctx context.Context, ch chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			d.process(ctx, t)
		}
	}
}

// HandleMessage is the MQTT callback for the NVR's event topic. It
// unmarshals payload, accepts only a "new" event for a "person" with a
// populated track ID, applies per-camera cooldown, and routes accepted
// events to the worker owning that camera's shard.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	var evt NVREvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		if d.Log != nil {
			d.Log.Warn("dropping unparsable nvr event", zap.Error(err), zap.String("topic", topic))
		}
		return
	}
	if !isAcceptedEvent(evt) {
		return
	}
	camera := evt.After.Camera
	if d.isOnCooldown(camera, time.Now()) {
		return
	}
	d.markCooldown(camera, time.Now())

	shard := d.workers[shardFor(camera, d.workerCount)]
	select {
	case shard <- task{camera: camera, raw: payload}:
	default:
		if d.Log != nil {
			d.Log.Warn("dropping event, worker shard saturated", zap.String("camera", camera))
		}
	}
}

// isAcceptedEvent reports whether evt is a new person track with an
// assigned ID, the only shape the pipeline acts on.
func isAcceptedEvent(evt NVREvent) bool {
	return evt.Type == "new" && evt.After != nil && evt.After.Label == "person" && evt.After.ID != ""
}

func shardFor(camera string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(camera))
	return int(h.Sum32()) % n
}

// isOnCooldown reports whether camera produced an accepted event within
// CooldownWindow of now, mirroring original_source's is_on_cooldown.
func (d *Dispatcher) isOnCooldown(camera string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.cooldowns[camera]
	if !ok {
		return false
	}
	return now.Sub(last) < d.CooldownWindow
}

func (d *Dispatcher) markCooldown(camera string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldowns[camera] = at
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	var evt NVREvent
	if err := json.Unmarshal(t.raw, &evt); err != nil || !isAcceptedEvent(evt) {
		return
	}

	eventID := evt.After.ID
	camera := evt.After.Camera
	label := evt.After.Label
	now := time.Now()

	// Correlation ID for tracing one event through the bridge's logs; it
	// never appears on the wire, only in log fields.
	traceID := uuid.NewString()
	log := d.Log
	if log != nil {
		log = log.With(zap.String("trace_id", traceID), zap.String("event_id", eventID))
	}

	snap, err := d.SnapshotFetch(ctx, eventID)
	if err != nil {
		if log != nil {
			log.Error("snapshot fetch failed", zap.Error(err))
		}
		return
	}

	snapPath, err := snapshotstore.Stage(d.SnapshotDir, eventID, snap)
	if err != nil {
		if log != nil {
			log.Error("snapshot stage failed", zap.Error(err))
		}
		return
	}

	prompt := label
	if d.PromptFor != nil {
		prompt = d.PromptFor(camera, label)
	}

	reply, backend, err := d.VLM.Analyze(ctx, vlmclient.Request{
		Camera:       camera,
		EventID:      eventID,
		Label:        label,
		SnapshotPath: snapPath,
		Prompt:       prompt,
	})
	if err != nil {
		if log != nil {
			log.Error("vlm analysis failed", zap.Error(err))
		}
		return
	}

	if log != nil {
		log.Info("vlm replied", zap.String("backend", backend))
	}

	aiDecision := decision.Parse(reply)

	var ctxSignals policycontext.Context
	if d.PolicyBuilder != nil {
		ctxSignals = d.PolicyBuilder.Build(ctx, camera, now)
	}

	verdict := rules.Evaluate(aiDecision, ctxSignals, d.ExcludeKnownFaces)

	confirmed := false
	if d.Confirm != nil && d.ConfirmRisks[string(verdict.RiskLevel)] {
		sess := d.Confirm.Confirm(ctx, eventID, confirmation.Input{
			RiskLevel: verdict.RiskLevel,
			Action:    verdict.Action,
			Reason:    aiDecision.Reason,
		})
		res := sess.Result
		verdict.RiskLevel = res.RiskLevel
		verdict.Action = res.Action
		aiDecision.Reason = res.Reason
		confirmed = res.Confirmed
		if res.Attempted {
			verdict.Overridden = true
		}
	}

	var actionResult action.Result
	if d.Action != nil {
		actionResult, err = d.Action.Execute(ctx, eventID, delivery.BuildTTS(camera, aiDecision.Reason), verdict, now)
		if err != nil && log != nil {
			log.Error("action execution failed", zap.Error(err))
		}
	}

	if d.WhatsappEnabled && d.Delivery != nil && delivery.MeetsThreshold(verdict.RiskLevel, d.WhatsappMinRisk) {
		msg := delivery.BuildMessage(delivery.MessageInput{
			Camera:       camera,
			SnapshotPath: snapPath,
			ClipPath:     actionResult.ClipPath,
			Decision:     aiDecision,
			RiskLevel:    verdict.RiskLevel,
			Action:       verdict.Action,
			ContextNote:  ctxSignals.ContextNote,
			Escalated:    verdict.Overridden,
		})
		if errs := d.Delivery.Deliver(ctx, d.WhatsappTo, camera, eventID, msg); len(errs) > 0 && log != nil {
			for _, e := range errs {
				log.Warn("delivery failed", zap.Error(e))
			}
		}
	}

	d.publishAnalysis(AnalysisResult{
		EventID:    eventID,
		Camera:     camera,
		Label:      label,
		RiskLevel:  string(verdict.RiskLevel),
		Action:     string(verdict.Action),
		Reason:     aiDecision.Reason,
		Confirmed:  confirmed,
		Overridden: verdict.Overridden,
		Timestamp:  now,
	})

	if d.History != nil {
		d.History.Append(eventhistory.Row{
			Timestamp: now,
			Camera:    camera,
			EventID:   eventID,
			Label:     label,
			RiskLevel: string(verdict.RiskLevel),
			Action:    string(verdict.Action),
			Confirmed: confirmed,
		})
	}

	if d.OnAlert != nil && verdict.RiskLevel != decision.RiskLow {
		d.OnAlert(camera, now)
	}
}

func (d *Dispatcher) publishAnalysis(result AnalysisResult) {
	if d.MQTT == nil {
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := d.MQTT.Publish(d.OutputTopic, d.PublishQoS, true, b); err != nil && d.Log != nil {
		d.Log.Warn("publish analysis failed", zap.Error(err))
	}
}

// Shutdown closes the worker channels; callers cancel the context passed
// to Start first. It does not wait for the workers to finish, and a worker
// that sees the canceled context returns without draining its queue.
func (d *Dispatcher) Shutdown() {
	for _, ch := range d.workers {
		close(ch)
	}
}

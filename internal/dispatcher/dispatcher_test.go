package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techposts/frigate-bridge/internal/action"
	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/delivery"
	"github.com/techposts/frigate-bridge/internal/eventhistory"
	"github.com/techposts/frigate-bridge/internal/haclient"
	"github.com/techposts/frigate-bridge/internal/policycontext"
	"github.com/techposts/frigate-bridge/internal/vlmclient"
)

type fakeAwayHA struct{}

func (fakeAwayHA) GetState(_ context.Context, _ string) (*haclient.State, error) {
	return &haclient.State{State: "away"}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []AnalysisResult
}

func (f *fakePublisher) Publish(_ string, _ byte, _ bool, payload []byte) error {
	var r AnalysisResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, r)
	return nil
}

func (f *fakePublisher) wait(t *testing.T, n int) []AnalysisResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.messages)
		f.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AnalysisResult(nil), f.messages...)
}

type fakeVLMBackend struct{ reply string }

func (f *fakeVLMBackend) Name() string { return "fake" }
func (f *fakeVLMBackend) Analyze(_ context.Context, _ vlmclient.Request) (string, error) {
	return f.reply, nil
}

func newTestDispatcher(t *testing.T, reply string) (*Dispatcher, *fakePublisher) {
	return newTestDispatcherWithRetain(t, reply, nil)
}

func newTestDispatcherWithRetain(t *testing.T, reply string, onRetain func(eventID string)) (*Dispatcher, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	store, err := eventhistory.Open(filepath.Join(t.TempDir(), "history.jsonl"), 100)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	d := New(2)
	d.OutputTopic = "openclaw/frigate/analysis"
	d.PublishQoS = 1
	d.MQTT = pub
	d.CooldownWindow = 30 * time.Second
	d.SnapshotDir = t.TempDir()
	d.SnapshotFetch = func(_ context.Context, _ string) ([]byte, error) {
		return []byte("fake-jpeg-bytes-0000000000000000"), nil
	}
	d.VLM = vlmclient.NewChain(&fakeVLMBackend{reply: reply})
	actionExec := &action.Executor{QuietStart: 23, QuietEnd: 6}
	if onRetain != nil {
		actionExec.RetainClip = func(_ context.Context, eventID string) error {
			onRetain(eventID)
			return nil
		}
	}
	d.Action = actionExec
	d.Delivery = delivery.NewPoster("", "", "", "")
	d.WhatsappEnabled = false
	d.WhatsappMinRisk = decision.RiskMedium
	d.History = store

	d.Start(t.Context())
	t.Cleanup(d.Shutdown)
	return d, pub
}

func eventPayload(id, camera, label string) []byte {
	evt := NVREvent{
		Type: "new",
		After: &EventState{
			ID:     id,
			Camera: camera,
			Label:  label,
		},
	}
	b, _ := json.Marshal(evt)
	return b
}

func TestDispatcher_LowRiskLogsOnly(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nA person crosses the yard.")
	d.HandleMessage("frigate/events", eventPayload("evt-low", "back_yard", "person"))

	results := pub.wait(t, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "low", results[0].RiskLevel)
	assert.Equal(t, "notify_only", results[0].Action)
}

func withAwayGaragePolicy(d *Dispatcher) {
	d.PolicyBuilder = &policycontext.Builder{
		HA:             fakeAwayHA{},
		HomeModeEntity: "input_select.home_mode",
		ZoneFor:        func(string) string { return "garage" },
	}
}

func TestDispatcher_HighRiskRetainsClip(t *testing.T) {
	var retained []string
	var mu sync.Mutex
	d, pub := newTestDispatcherWithRetain(t, "THREAT: HIGH\nSomeone is trying the door.", func(eventID string) {
		mu.Lock()
		defer mu.Unlock()
		retained = append(retained, eventID)
	})
	withAwayGaragePolicy(d)
	d.HandleMessage("frigate/events", eventPayload("evt-retain", "back_door", "person"))

	pub.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-retain"}, retained)
}

func TestDispatcher_AwayGarageEscalatesToHighWithLights(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nSomeone is near the garage.")
	withAwayGaragePolicy(d)
	d.HandleMessage("frigate/events", eventPayload("evt-high", "garage_cam", "person"))

	results := pub.wait(t, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "high", results[0].RiskLevel)
	assert.Equal(t, "notify_and_light", results[0].Action)
	assert.True(t, results[0].Overridden)
}

func TestDispatcher_CooldownDropsRepeatEvent(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	d.HandleMessage("frigate/events", eventPayload("evt-1", "front_door", "person"))
	d.HandleMessage("frigate/events", eventPayload("evt-2", "front_door", "person"))

	results := pub.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, results, 1)
	assert.Equal(t, "evt-1", results[0].EventID)
}

func TestDispatcher_DifferentCamerasBypassCooldown(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	d.HandleMessage("frigate/events", eventPayload("evt-1", "front_door", "person"))
	d.HandleMessage("frigate/events", eventPayload("evt-2", "back_yard", "person"))

	results := pub.wait(t, 2)
	require.Len(t, results, 2)
}

func TestDispatcher_UnparsableEventIsDropped(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	d.HandleMessage("frigate/events", []byte("{not json"))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.wait(t, 0), 0)
}

func TestDispatcher_EndEventTypeIgnored(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	evt := NVREvent{Type: "end", After: &EventState{ID: "evt-end", Camera: "front_door", Label: "person"}}
	b, _ := json.Marshal(evt)
	d.HandleMessage("frigate/events", b)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.wait(t, 0), 0)
}

func TestDispatcher_NonPersonLabelIgnored(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	d.HandleMessage("frigate/events", eventPayload("evt-cat", "back_yard", "cat"))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.wait(t, 0), 0)
}

func TestDispatcher_EmptyTrackIDIgnored(t *testing.T) {
	d, pub := newTestDispatcher(t, "THREAT: LOW\nNothing.")
	evt := NVREvent{Type: "new", After: &EventState{ID: "", Camera: "front_door", Label: "person"}}
	b, _ := json.Marshal(evt)
	d.HandleMessage("frigate/events", b)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.wait(t, 0), 0)
}

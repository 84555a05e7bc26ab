// Package action executes the rule engine's verdict against the
// home-automation API and the NVR's clip-retention API: turning on
// lights, sounding a siren, announcing over a speaker, saving the event's
// clip, or just notifying. Every execution path is also exposed through
// Simulate for dry-run previews from the operator panel.
package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/rules"
)

// HACaller matches haclient.Client.CallService, which already retries
// once on transport failure; Executor calls it directly rather than
// layering a second retry on top.
type HACaller interface {
	CallService(ctx context.Context, domain, service string, body map[string]any) error
}

// Executor carries out a rules.Verdict against home-automation entities
// and the NVR's clip store.
type Executor struct {
	HA          HACaller
	RetainClip  func(ctx context.Context, eventID string) error
	FetchClip   func(ctx context.Context, eventID string) ([]byte, error)
	ClipDir     string
	Lights      []string
	Speakers    []string
	AlarmEntity string
	QuietStart  int
	QuietEnd    int
}

// Result records what Execute (or Simulate) decided to do, for the event
// history and for the operator panel's dry-run preview.
type Result struct {
	Action     decision.Action
	ClipSaved  bool
	ClipPath   string
	LightsOn   bool
	SirenOn    bool
	SpeakerOn  bool
	Coerced    bool
	CoerceNote string
}

// Execute carries out verdict's cumulative side effects. It attempts
// every planned effect even if one fails, surfacing only the first error.
func (e *Executor) Execute(ctx context.Context, eventID, tts string, verdict rules.Verdict, now time.Time) (Result, error) {
	res := e.plan(verdict, now)

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if res.ClipSaved {
		path, err := e.saveClip(ctx, eventID)
		note(err)
		res.ClipPath = path
	}
	if res.LightsOn {
		note(e.turnOnLights(ctx))
	}
	if res.SirenOn {
		note(e.soundSiren(ctx))
	}
	if res.SpeakerOn {
		note(e.announceSpeaker(ctx, tts))
	}

	if firstErr != nil {
		return res, fmt.Errorf("action: %w", firstErr)
	}
	return res, nil
}

// Simulate plans the same response Execute would take without calling the
// home-automation or NVR APIs, for dry-run previews.
func (e *Executor) Simulate(verdict rules.Verdict, now time.Time) Result {
	return e.plan(verdict, now)
}

func (e *Executor) plan(verdict rules.Verdict, now time.Time) Result {
	act := verdict.Action
	if verdict.RiskLevel == decision.RiskLow {
		act = decision.ActionNotifyOnly
	}

	res := Result{Action: act}

	switch act {
	case decision.ActionNotifyOnly:
	case decision.ActionNotifyAndSaveClip:
		res.ClipSaved = true
	case decision.ActionNotifyAndLight:
		res.ClipSaved = true
		res.LightsOn = true
	case decision.ActionNotifyAndSpeaker:
		res.SpeakerOn = true
	case decision.ActionNotifyAndAlarm:
		res.ClipSaved = true
		res.LightsOn = true
		res.SirenOn = true
		res.SpeakerOn = true
	}

	if res.SpeakerOn && inQuietWindow(now.Hour(), e.QuietStart, e.QuietEnd) && verdict.RiskLevel != decision.RiskCritical {
		res.SpeakerOn = false
		res.Coerced = true
		res.CoerceNote = "quiet_hours_speaker_suppressed"
	}

	return res
}

func inQuietWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (e *Executor) turnOnLights(ctx context.Context) error {
	for _, entity := range e.Lights {
		if err := e.HA.CallService(ctx, "light", "turn_on", map[string]any{"entity_id": entity}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) soundSiren(ctx context.Context) error {
	if e.AlarmEntity == "" {
		return nil
	}
	return e.HA.CallService(ctx, "switch", "turn_on", map[string]any{"entity_id": e.AlarmEntity + "_siren"})
}

func (e *Executor) announceSpeaker(ctx context.Context, tts string) error {
	for _, speaker := range e.Speakers {
		if err := e.HA.CallService(ctx, "notify", "alexa_media", map[string]any{
			"entity_id": speaker,
			"message":   tts,
			"data":      map[string]any{"type": "announce"},
		}); err != nil {
			return err
		}
	}
	return nil
}

// saveClip retains the clip on the NVR and fetches it to ClipDir. A
// fetch failure is non-fatal since NVR-side retention already happened.
func (e *Executor) saveClip(ctx context.Context, eventID string) (string, error) {
	if e.RetainClip != nil {
		if err := e.RetainClip(ctx, eventID); err != nil {
			return "", err
		}
	}
	if e.FetchClip == nil || e.ClipDir == "" {
		return "", nil
	}
	data, err := e.FetchClip(ctx, eventID)
	if err != nil || len(data) == 0 {
		return "", nil
	}
	path := filepath.Join(e.ClipDir, eventID+".mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil
	}
	return path, nil
}

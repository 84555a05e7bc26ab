package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/rules"
)

func TestPlan_LowRiskCoercesToNotifyOnly(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}
	res := e.plan(rules.Verdict{RiskLevel: decision.RiskLow, Action: decision.ActionNotifyAndAlarm}, at(12))
	assert.Equal(t, decision.ActionNotifyOnly, res.Action)
	assert.False(t, res.ClipSaved)
	assert.False(t, res.LightsOn)
}

func TestPlan_NotifyAndSaveClipSavesOnly(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}
	res := e.plan(rules.Verdict{RiskLevel: decision.RiskMedium, Action: decision.ActionNotifyAndSaveClip}, at(12))
	assert.True(t, res.ClipSaved)
	assert.False(t, res.LightsOn)
	assert.False(t, res.SirenOn)
}

func TestPlan_NotifyAndLightImpliesClipSave(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}
	res := e.plan(rules.Verdict{RiskLevel: decision.RiskHigh, Action: decision.ActionNotifyAndLight}, at(12))
	assert.True(t, res.ClipSaved)
	assert.True(t, res.LightsOn)
	assert.False(t, res.SirenOn)
}

func TestPlan_SpeakerSuppressedDuringQuietHoursUnlessCritical(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}

	res := e.plan(rules.Verdict{RiskLevel: decision.RiskHigh, Action: decision.ActionNotifyAndSpeaker}, at(2))
	assert.False(t, res.SpeakerOn)
	assert.True(t, res.Coerced)
	assert.Equal(t, "quiet_hours_speaker_suppressed", res.CoerceNote)

	res = e.plan(rules.Verdict{RiskLevel: decision.RiskCritical, Action: decision.ActionNotifyAndSpeaker}, at(2))
	assert.True(t, res.SpeakerOn)
	assert.False(t, res.Coerced)
}

func TestPlan_SpeakerUncoercedOutsideQuietHours(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}
	res := e.plan(rules.Verdict{RiskLevel: decision.RiskHigh, Action: decision.ActionNotifyAndSpeaker}, at(15))
	assert.True(t, res.SpeakerOn)
	assert.False(t, res.Coerced)
}

func TestPlan_NotifyAndAlarmCumulativeEffects(t *testing.T) {
	e := &Executor{QuietStart: 23, QuietEnd: 6}
	res := e.plan(rules.Verdict{RiskLevel: decision.RiskCritical, Action: decision.ActionNotifyAndAlarm}, at(12))
	assert.True(t, res.ClipSaved)
	assert.True(t, res.LightsOn)
	assert.True(t, res.SirenOn)
	assert.True(t, res.SpeakerOn)
}

func at(hour int) time.Time {
	return time.Date(2026, 7, 31, hour, 0, 0, 0, time.UTC)
}

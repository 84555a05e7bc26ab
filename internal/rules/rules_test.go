package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/policycontext"
)

func TestEvaluate_KnownFaceSuppressesBelowHigh(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskMedium, Type: "unknown_person"}
	ctx := policycontext.Context{KnownFacePresent: true}

	v := Evaluate(d, ctx, true)
	assert.Equal(t, decision.RiskLow, v.RiskLevel)
	assert.Equal(t, decision.ActionNotifyOnly, v.Action)
	assert.True(t, v.Overridden)
	assert.Equal(t, "known_face_present", v.Reason)
}

func TestEvaluate_KnownFaceDoesNotSuppressHigh(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskHigh, Type: "unknown_person", Action: decision.ActionNotifyAndLight}
	ctx := policycontext.Context{KnownFacePresent: true, HomeMode: "away", TimeBucket: policycontext.BucketNight, Zone: "front_door"}

	v := Evaluate(d, ctx, true)
	assert.Equal(t, decision.RiskHigh, v.RiskLevel)
}

func TestEvaluate_AwayNightLookingAroundEscalatesToCritical(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskLow, Type: "unknown_person", Behavior: "looking around", Action: decision.ActionNotifyOnly}
	ctx := policycontext.Context{HomeMode: "away", TimeBucket: policycontext.BucketNight}

	v := Evaluate(d, ctx, false)
	assert.Equal(t, decision.RiskCritical, v.RiskLevel)
	assert.Equal(t, decision.ActionNotifyAndAlarm, v.Action)
	assert.True(t, v.Overridden)
}

func TestEvaluate_DeliveryAtGarageStaysLow(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskLow, Type: "delivery", Action: decision.ActionNotifyOnly}
	ctx := policycontext.Context{Zone: "garage", TimeBucket: policycontext.BucketDay}

	v := Evaluate(d, ctx, false)
	assert.Equal(t, decision.RiskLow, v.RiskLevel)
	assert.False(t, v.Overridden)
	assert.Equal(t, decision.ActionNotifyOnly, v.Action)
}

func TestEvaluate_OverrideRemapsActionDeterministically(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskLow, Type: "unknown_person", Behavior: "forcing", Action: decision.ActionNotifyOnly}
	ctx := policycontext.Context{HomeMode: "away", TimeBucket: policycontext.BucketNight}

	v := Evaluate(d, ctx, false)
	assert.True(t, v.Overridden)
	assert.Equal(t, actionFor(v.RiskLevel), v.Action)
}

func TestEvaluate_NoOverrideLeavesVLMActionUnremapped(t *testing.T) {
	d := &decision.AIDecision{RiskLevel: decision.RiskLow, Type: "delivery", Action: decision.ActionNotifyAndSaveClip}
	ctx := policycontext.Context{TimeBucket: policycontext.BucketDay}

	v := Evaluate(d, ctx, false)
	assert.False(t, v.Overridden)
	assert.Equal(t, decision.ActionNotifyAndSaveClip, v.Action)
}

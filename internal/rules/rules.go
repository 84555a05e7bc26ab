// Package rules applies a deterministic, scored policy over the VLM's
// decision and the event's situational context, producing the final risk
// level and response action. A rule engine verdict always wins over the
// VLM's own risk when the two disagree: the VLM interprets the scene, the
// rule engine interprets the policy.
package rules

import (
	"strings"

	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/policycontext"
)

// Verdict is the rule engine's final call on an event.
type Verdict struct {
	RiskLevel  decision.RiskLevel
	Action     decision.Action
	Overridden bool
	Reason     string
	Score      int
}

var zoneKeywords = []string{"terrace", "garage", "entry", "door"}

var behaviorSevere = []string{"suspicious", "lurking", "trying", "forcing", "climbing", "breaking", "running"}

var behaviorModerate = []string{"reaching", "looking around", "crouching", "hiding"}

// Evaluate scores d in light of ctx and returns the bridge's final
// verdict. Known-face suppression runs first as a hard short-circuit; the
// rest of the scoring only remaps the action when its risk disagrees with
// the VLM's own risk, leaving the VLM's action untouched when it doesn't.
func Evaluate(d *decision.AIDecision, ctx policycontext.Context, excludeKnownFaces bool) Verdict {
	if excludeKnownFaces && ctx.KnownFacePresent && !d.RiskLevel.AtLeast(decision.RiskHigh) {
		return Verdict{
			RiskLevel:  decision.RiskLow,
			Action:     decision.ActionNotifyOnly,
			Overridden: true,
			Reason:     "known_face_present",
		}
	}

	s := score(d, ctx)
	risk := riskForScore(s)

	if risk == d.RiskLevel {
		return Verdict{
			RiskLevel: risk,
			Action:    d.Action,
			Reason:    "vlm_risk_level",
			Score:     s,
		}
	}

	return Verdict{
		RiskLevel:  risk,
		Action:     actionFor(risk),
		Overridden: true,
		Reason:     "policy_score",
		Score:      s,
	}
}

// score accumulates the cumulative policy terms over d and ctx.
func score(d *decision.AIDecision, ctx policycontext.Context) int {
	total := 0
	typeLower := strings.ToLower(d.Type)
	behaviorLower := strings.ToLower(d.Behavior)
	zoneLower := strings.ToLower(ctx.Zone)

	if typeLower == "unknown_person" || typeLower == "other" {
		total += 2
	}

	if ctx.TimeBucket == policycontext.BucketEvening || ctx.TimeBucket == policycontext.BucketNight {
		total += 2
	}

	if containsAny(zoneLower, zoneKeywords) {
		total += 1
	}

	switch ctx.HomeMode {
	case "away":
		total += 3
	case "sleep":
		total += 2
	}

	switch {
	case containsAny(behaviorLower, behaviorSevere):
		total += 3
	case containsAny(behaviorLower, behaviorModerate):
		total += 2
	}

	if strings.Contains(typeLower, "loitering") {
		total += 2
	}

	if ctx.KnownFacePresent || strings.Contains(typeLower, "known") {
		total -= 3
	}

	if strings.Contains(typeLower, "delivery") {
		total -= 1
	}

	if ctx.RecentEventCount >= 3 {
		total += 1
	}

	return total
}

func riskForScore(score int) decision.RiskLevel {
	switch {
	case score <= 2:
		return decision.RiskLow
	case score <= 4:
		return decision.RiskMedium
	case score <= 6:
		return decision.RiskHigh
	default:
		return decision.RiskCritical
	}
}

func actionFor(r decision.RiskLevel) decision.Action {
	switch r {
	case decision.RiskCritical:
		return decision.ActionNotifyAndAlarm
	case decision.RiskHigh:
		return decision.ActionNotifyAndLight
	case decision.RiskMedium:
		return decision.ActionNotifyAndSaveClip
	default:
		return decision.ActionNotifyOnly
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Package confirmation runs a second VLM pass over high/critical-risk
// verdicts before the bridge commits to an alarm-grade action, to cut
// down on single-frame false positives. It operates on the rule engine's
// verdict directly rather than re-running the rule engine, since the
// reply's CONFIRM_JSON line speaks in terms of risk and action, not a
// fresh scene decision.
package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/snapshotstore"
)

// State is a confirmation session's position in its lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateWaitingSnapshot State = "waiting_snapshot"
	StateWaitingReply    State = "waiting_reply"
	StateMerged          State = "merged"
)

// SnapshotFetcher fetches a fresh confirmation snapshot for an event.
type SnapshotFetcher func(ctx context.Context, eventID string) ([]byte, error)

// ReplyAnalyzer runs a second VLM pass against a confirmation snapshot.
type ReplyAnalyzer func(ctx context.Context, eventID, snapshotPath string) (string, error)

// Input is the rule engine's verdict, as seen by a confirmation pass.
type Input struct {
	RiskLevel decision.RiskLevel
	Action    decision.Action
	Reason    string
}

// Result is what a confirmation pass decided. Confirmed reports the
// reply's own confirmed flag; Attempted reports whether a reply was
// actually parsed (false on any failure along the way, in which case
// Result mirrors Input unchanged).
type Result struct {
	RiskLevel decision.RiskLevel
	Action    decision.Action
	Reason    string
	Confirmed bool
	Attempted bool
	Note      string
}

// Session tracks one event's confirmation pass through Idle ->
// WaitingSnapshot -> WaitingReply -> Merged.
type Session struct {
	mu    sync.Mutex
	state State

	EventID string
	Input   Input
	Result  Result
}

func newSession(eventID string, input Input) *Session {
	return &Session{state: StateIdle, EventID: eventID, Input: input}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) finish(res Result) {
	s.mu.Lock()
	s.Result = res
	s.state = StateMerged
	s.mu.Unlock()
}

// Controller runs confirmation passes for verdicts whose risk level
// requires one, per the configured delay and timeout.
type Controller struct {
	Delay     time.Duration
	Timeout   time.Duration
	StageDir  string
	FetchSnap SnapshotFetcher
	Analyze   ReplyAnalyzer
}

// Confirm runs a full confirmation pass for eventID against current: wait
// Delay, fetch a fresh snapshot, run it through Analyze, parse a
// CONFIRM_JSON reply line, and adjust current accordingly. Any failure
// along the way (context cancellation, snapshot fetch, staging, the VLM
// call, or an unparsable reply) leaves the Result unchanged from Input.
func (c *Controller) Confirm(ctx context.Context, eventID string, current Input) *Session {
	sess := newSession(eventID, current)

	select {
	case <-time.After(c.Delay):
	case <-ctx.Done():
		sess.finish(unchanged(current, "confirmation unavailable: context canceled"))
		return sess
	}

	sess.setState(StateWaitingSnapshot)

	confirmCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	snap, err := c.FetchSnap(confirmCtx, eventID)
	if err != nil {
		sess.finish(unchanged(current, fmt.Sprintf("confirmation unavailable: snapshot fetch failed: %v", err)))
		return sess
	}

	path, err := snapshotstore.Stage(c.StageDir, eventID+"-confirm", snap)
	if err != nil {
		sess.finish(unchanged(current, fmt.Sprintf("confirmation unavailable: staging failed: %v", err)))
		return sess
	}

	sess.setState(StateWaitingReply)

	reply, err := c.Analyze(confirmCtx, eventID, path)
	if err != nil || reply == "" {
		sess.finish(unchanged(current, "confirmation unavailable: no reply"))
		return sess
	}

	parsed, ok := parseConfirmReply(reply)
	if !ok {
		sess.finish(unchanged(current, "confirmation unavailable: unparsable reply"))
		return sess
	}

	if parsed.confirmed {
		sess.finish(adopt(current, *parsed))
	} else {
		sess.finish(downgrade(current, *parsed))
	}
	return sess
}

func unchanged(in Input, note string) Result {
	return Result{
		RiskLevel: in.RiskLevel,
		Action:    in.Action,
		Reason:    in.Reason,
		Confirmed: false,
		Attempted: false,
		Note:      note,
	}
}

// downgrade applies a confirmed=false reply: high/critical risk drops to
// medium, and any alarm/light/speaker action drops to
// notify_and_save_clip. It never escalates.
func downgrade(in Input, reply confirmReply) Result {
	risk := in.RiskLevel
	if risk.AtLeast(decision.RiskHigh) {
		risk = decision.RiskMedium
	}

	action := in.Action
	switch action {
	case decision.ActionNotifyAndAlarm, decision.ActionNotifyAndLight, decision.ActionNotifyAndSpeaker:
		action = decision.ActionNotifyAndSaveClip
	}

	reason := in.Reason
	if reply.reason != "" {
		reason = reply.reason
	}

	return Result{
		RiskLevel: risk,
		Action:    action,
		Reason:    reason,
		Confirmed: false,
		Attempted: true,
		Note:      "NOT confirmed",
	}
}

// adopt applies a confirmed=true reply, taking the reply's own risk and
// action when present.
func adopt(in Input, reply confirmReply) Result {
	risk := in.RiskLevel
	if reply.risk != "" {
		risk = decision.NormalizeRisk(reply.risk)
	}
	action := in.Action
	if reply.action != "" {
		action = decision.NormalizeAction(reply.action)
	}
	reason := in.Reason
	if reply.reason != "" {
		reason = reply.reason
	}

	return Result{
		RiskLevel: risk,
		Action:    action,
		Reason:    reason,
		Confirmed: true,
		Attempted: true,
		Note:      "confirmed",
	}
}

type confirmReply struct {
	confirmed bool
	risk      string
	action    string
	reason    string
}

var confirmJSONPattern = regexp.MustCompile(`(?im)^[ \t]*confirm_json:[ \t]*(.*)$`)

// parseConfirmReply finds the last CONFIRM_JSON line in s and decodes its
// JSON body, which may be inline or on the following line. A reply with
// no "confirmed" key is treated as unparsable.
func parseConfirmReply(s string) (*confirmReply, bool) {
	matches := confirmJSONPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return nil, false
	}
	last := matches[len(matches)-1]

	inline := strings.TrimSpace(s[last[2]:last[3]])
	candidate := inline
	if !strings.Contains(candidate, "{") {
		candidate = strings.TrimSpace(s[last[1]:])
	}

	body := decision.ExtractJSONObject(candidate)
	if body == "" {
		return nil, false
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}

	confirmedVal, ok := raw["confirmed"]
	if !ok {
		return nil, false
	}
	confirmed, _ := confirmedVal.(bool)

	reply := &confirmReply{confirmed: confirmed}
	if v, ok := raw["risk"].(string); ok {
		reply.risk = v
	}
	if v, ok := raw["action"].(string); ok {
		reply.action = v
	}
	if v, ok := raw["reason"].(string); ok {
		reply.reason = v
	}
	return reply, true
}

// Package policycontext gathers the situational signals the rule engine
// needs to score an event: time of day, home-automation state, and recent
// activity on the same camera.
package policycontext

import (
	"context"
	"strings"
	"time"

	"github.com/techposts/frigate-bridge/internal/haclient"
)

// TimeBucket is a coarse classification of when an event occurred, purely
// a function of the hour: it carries no notion of quiet hours, which is
// an action-executor concern applied later in the pipeline.
type TimeBucket string

const (
	BucketDay     TimeBucket = "day"
	BucketEvening TimeBucket = "evening"
	BucketNight   TimeBucket = "night"
)

// Context is everything the rule engine considers besides the VLM's own
// decision.
type Context struct {
	Camera           string
	Zone             string
	TimeBucket       TimeBucket
	HomeMode         string
	KnownFacePresent bool
	RecentEventCount int
	ContextNote      string
}

// HAGetState matches haclient.Client.GetState, kept as an interface so
// tests can fake home-automation responses.
type HAGetState interface {
	GetState(ctx context.Context, entityID string) (*haclient.State, error)
}

// RecentCounter matches eventhistory.Store.RecentCountForCamera.
type RecentCounter interface {
	RecentCountForCamera(camera string, window time.Duration, now time.Time) int
}

// Builder assembles a Context for each incoming event.
type Builder struct {
	HA               HAGetState
	History          RecentCounter
	HomeModeEntity   string
	KnownFacesEntity string
	RecentWindow     time.Duration
	ZoneFor          func(camera string) string
	ContextNoteFor   func(camera string) string
}

// knownFacePresentStates are the home-automation entity states treated as
// "a known face is currently present".
var knownFacePresentStates = map[string]bool{
	"on":       true,
	"true":     true,
	"home":     true,
	"detected": true,
}

// Build gathers the policy context for an event on camera at now. HomeMode
// defaults to "home" (the safe assumption when home-automation is
// unreachable or the entity lookup fails) and is only overwritten on a
// successful, non-empty state read.
func (b *Builder) Build(ctx context.Context, camera string, now time.Time) Context {
	c := Context{
		Camera:     camera,
		TimeBucket: bucketFor(now),
		HomeMode:   "home",
	}
	if b.ZoneFor != nil {
		c.Zone = b.ZoneFor(camera)
	}
	if b.ContextNoteFor != nil {
		c.ContextNote = b.ContextNoteFor(camera)
	}
	if b.History != nil {
		c.RecentEventCount = b.History.RecentCountForCamera(camera, b.RecentWindow, now)
	}
	if b.HA != nil {
		if b.HomeModeEntity != "" {
			if st, err := b.HA.GetState(ctx, b.HomeModeEntity); err == nil && st != nil && st.State != "" {
				c.HomeMode = st.State
			}
		}
		if b.KnownFacesEntity != "" {
			if st, err := b.HA.GetState(ctx, b.KnownFacesEntity); err == nil && st != nil {
				c.KnownFacePresent = knownFacePresentStates[strings.ToLower(st.State)]
			}
		}
	}
	return c
}

// bucketFor classifies the hour of now: day covers 06:00-17:59, evening
// covers 18:00-22:59, and night is everything else (23:00-05:59).
func bucketFor(now time.Time) TimeBucket {
	hour := now.Hour()
	switch {
	case hour >= 6 && hour <= 17:
		return BucketDay
	case hour >= 18 && hour <= 22:
		return BucketEvening
	default:
		return BucketNight
	}
}

package policycontext

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/techposts/frigate-bridge/internal/haclient"
)

type fakeHA struct {
	states map[string]*haclient.State
}

func (f *fakeHA) GetState(_ context.Context, entityID string) (*haclient.State, error) {
	return f.states[entityID], nil
}

type unreachableHA struct{}

func (unreachableHA) GetState(_ context.Context, _ string) (*haclient.State, error) {
	return nil, errors.New("connection refused")
}

type fakeCounter struct{ n int }

func (f *fakeCounter) RecentCountForCamera(_ string, _ time.Duration, _ time.Time) int {
	return f.n
}

func at(hour, min int) time.Time {
	return time.Date(2026, 7, 31, hour, min, 0, 0, time.UTC)
}

func TestBucketFor_DayEveningNight(t *testing.T) {
	assert.Equal(t, BucketDay, bucketFor(at(6, 0)))
	assert.Equal(t, BucketDay, bucketFor(at(17, 59)))
	assert.Equal(t, BucketEvening, bucketFor(at(18, 0)))
	assert.Equal(t, BucketEvening, bucketFor(at(22, 59)))
	assert.Equal(t, BucketNight, bucketFor(at(23, 0)))
	assert.Equal(t, BucketNight, bucketFor(at(5, 59)))
}

func TestBuilder_Build(t *testing.T) {
	b := &Builder{
		HA: &fakeHA{states: map[string]*haclient.State{
			"input_select.home_mode":            {State: "away"},
			"binary_sensor.known_faces_present": {State: "Detected"},
		}},
		History:          &fakeCounter{n: 3},
		HomeModeEntity:   "input_select.home_mode",
		KnownFacesEntity: "binary_sensor.known_faces_present",
		RecentWindow:     10 * time.Minute,
		ZoneFor:          func(string) string { return "entry" },
		ContextNoteFor:   func(string) string { return "facing the street" },
	}

	c := b.Build(context.Background(), "front_door", at(20, 0))
	assert.Equal(t, "front_door", c.Camera)
	assert.Equal(t, "entry", c.Zone)
	assert.Equal(t, BucketEvening, c.TimeBucket)
	assert.Equal(t, "away", c.HomeMode)
	assert.True(t, c.KnownFacePresent)
	assert.Equal(t, 3, c.RecentEventCount)
	assert.Equal(t, "facing the street", c.ContextNote)
}

func TestBuilder_Build_DefaultsHomeModeWhenHAUnreachable(t *testing.T) {
	b := &Builder{
		HA:             unreachableHA{},
		HomeModeEntity: "input_select.home_mode",
	}
	c := b.Build(context.Background(), "front_door", at(10, 0))
	assert.Equal(t, "home", c.HomeMode)
	assert.False(t, c.KnownFacePresent)
}

func TestBuilder_Build_NoHAConfigured(t *testing.T) {
	b := &Builder{}
	c := b.Build(context.Background(), "front_door", at(10, 0))
	assert.Equal(t, "home", c.HomeMode)
}

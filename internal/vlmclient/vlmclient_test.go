package vlmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name  string
	reply string
	err   error
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Analyze(_ context.Context, _ Request) (string, error) {
	return f.reply, f.err
}

func TestChain_FirstNonEmptyWins(t *testing.T) {
	chain := NewChain(
		&fakeBackend{name: "a", reply: ""},
		&fakeBackend{name: "b", reply: "person at the door"},
		&fakeBackend{name: "c", reply: "should not be reached"},
	)

	reply, backend, err := chain.Analyze(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "person at the door", reply)
	assert.Equal(t, "b", backend)
}

func TestChain_SkipsErroringBackend(t *testing.T) {
	chain := NewChain(
		&fakeBackend{name: "a", err: errors.New("boom")},
		&fakeBackend{name: "b", reply: "ok"},
	)

	reply, backend, err := chain.Analyze(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, "b", backend)
}

func TestChain_AllFail(t *testing.T) {
	chain := NewChain(
		&fakeBackend{name: "a", err: errors.New("boom")},
		&fakeBackend{name: "b", reply: ""},
	)

	_, _, err := chain.Analyze(context.Background(), Request{})
	assert.Error(t, err)
}

func TestStripMediaLines(t *testing.T) {
	in := "MEDIA: /tmp/snap.jpg\nTHREAT: HIGH\nPerson at the door."
	out := stripMediaLines(in)
	assert.Equal(t, "THREAT: HIGH\nPerson at the door.", out)
}

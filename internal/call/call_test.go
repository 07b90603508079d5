package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	kind    string
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired [][]*fakeTrack
}

func (m *fakeMedia) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var set []*fakeTrack
	if c.Audio {
		set = append(set, &fakeTrack{kind: "audio", enabled: true})
	}
	if c.Video {
		set = append(set, &fakeTrack{kind: "video", enabled: true})
	}
	m.acquired = append(m.acquired, set)
	out := make([]Track, len(set))
	for i, tr := range set {
		out[i] = tr
	}
	return out, nil
}

func (m *fakeMedia) lastSet() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acquired) == 0 {
		return nil
	}
	return m.acquired[len(m.acquired)-1]
}

type fakeRendezvous struct {
	mu       sync.Mutex
	ringErr  error
	rings    []string
	accepts  []string
	hangups  []string
	released []string
}

func (r *fakeRendezvous) Ring(_ context.Context, calleeKey, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ringErr != nil {
		return r.ringErr
	}
	r.rings = append(r.rings, calleeKey+"/"+callID)
	return nil
}

func (r *fakeRendezvous) Accept(_ context.Context, callerKey, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts = append(r.accepts, callerKey+"/"+callID)
	return nil
}

func (r *fakeRendezvous) Hangup(_ context.Context, peerKey, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hangups = append(r.hangups, peerKey+"/"+callID)
	return nil
}

func (r *fakeRendezvous) Release(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, callID)
}

func newTestSession(t *testing.T, rv *fakeRendezvous, media *fakeMedia) (*Session, *[]State) {
	t.Helper()
	var mu sync.Mutex
	states := &[]State{}
	s, err := NewSession(SessionConfig{
		Rendezvous: rv,
		Media:      media,
		OnState: func(st State) {
			mu.Lock()
			*states = append(*states, st)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	return s, states
}

func TestOutgoingCallLifecycle(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, states := newTestSession(t, rv, media)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true}))
	assert.Equal(t, StateRinging, s.State())
	assert.Equal(t, DirectionOutgoing, s.Direction())
	assert.Equal(t, "bob-key", s.PeerKey())
	require.Len(t, rv.rings, 1)

	require.NoError(t, s.HandleAccepted())
	assert.Equal(t, StateConnected, s.State())

	s.End(context.Background())
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, []State{StateRinging, StateConnected, StateEnded}, *states)

	for _, track := range media.lastSet() {
		assert.True(t, track.isStopped())
	}
	require.Len(t, rv.hangups, 1)
	assert.Equal(t, []string{s.CallID()}, rv.released)
}

func TestIncomingCallAnswer(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	require.NoError(t, s.HandleIncoming("alice-key", "call-1"))
	assert.Equal(t, StateRinging, s.State())
	assert.Equal(t, DirectionIncoming, s.Direction())

	require.NoError(t, s.Answer(context.Background(), Constraints{Audio: true, Video: true}))
	assert.Equal(t, StateConnected, s.State())
	require.Len(t, rv.accepts, 1)
	assert.Equal(t, "alice-key/call-1", rv.accepts[0])
}

func TestMediaFailureIsTerminal(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{err: errors.New("no microphone")}
	s, _ := newTestSession(t, rv, media)

	err := s.Start(context.Background(), "bob-key", Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.Equal(t, StateFailed, s.State())

	// Failed is terminal: the session cannot be restarted.
	media.err = nil
	err = s.Start(context.Background(), "bob-key", Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSignalingFailureStopsTracks(t *testing.T) {
	rv := &fakeRendezvous{ringErr: errors.New("relay down")}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	err := s.Start(context.Background(), "bob-key", Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrSignalingTransport)
	assert.Equal(t, StateFailed, s.State())

	for _, track := range media.lastSet() {
		assert.True(t, track.isStopped())
	}
}

func TestRemoteHangup(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true}))
	require.NoError(t, s.HandleAccepted())

	s.HandleHangup()
	assert.Equal(t, StateEnded, s.State())
	for _, track := range media.lastSet() {
		assert.True(t, track.isStopped())
	}
	// No local hangup signal is sent for a remote hangup.
	assert.Empty(t, rv.hangups)
	require.Len(t, rv.released, 1)
}

func TestEndIsIdempotent(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true}))
	s.End(context.Background())
	s.End(context.Background())
	s.HandleHangup()

	assert.Equal(t, StateEnded, s.State())
	require.Len(t, rv.hangups, 1)
	require.Len(t, rv.released, 1)
}

func TestToggleAudioVideo(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	_, err := s.ToggleAudio()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true, Video: true}))
	require.NoError(t, s.HandleAccepted())

	enabled, err := s.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = s.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = s.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestToggleMissingKind(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true}))
	require.NoError(t, s.HandleAccepted())

	_, err := s.ToggleVideo()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSwitchDevice(t *testing.T) {
	rv := &fakeRendezvous{}
	media := &fakeMedia{}
	s, _ := newTestSession(t, rv, media)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true, Video: true}))
	require.NoError(t, s.HandleAccepted())
	original := media.lastSet()

	require.NoError(t, s.SwitchDevice(context.Background(), "video", "cam-2"))

	for _, track := range original {
		if track.kind == "video" {
			assert.True(t, track.isStopped())
		} else {
			assert.False(t, track.isStopped())
		}
	}

	s.End(context.Background())
	for _, set := range media.acquired {
		for _, track := range set {
			assert.True(t, track.isStopped())
		}
	}
}

func TestHangupTimeoutBounded(t *testing.T) {
	slow := &slowRendezvous{fakeRendezvous: &fakeRendezvous{}, delay: time.Hour}
	media := &fakeMedia{}
	s, err := NewSession(SessionConfig{
		Rendezvous:      slow,
		Media:           media,
		TeardownTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background(), "bob-key", Constraints{Audio: true}))

	done := make(chan struct{})
	go func() {
		s.End(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not respect the teardown timeout")
	}
	assert.Equal(t, StateEnded, s.State())
}

type slowRendezvous struct {
	*fakeRendezvous
	delay time.Duration
}

func (r *slowRendezvous) Hangup(ctx context.Context, peerKey, callID string) error {
	select {
	case <-time.After(r.delay):
		return r.fakeRendezvous.Hangup(ctx, peerKey, callID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

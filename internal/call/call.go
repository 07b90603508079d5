package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle position of one call session.
type State string

const (
	StateIdle      State = "idle"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

var (
	ErrInvalidState       = errors.New("invalid call state")
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrSignalingTransport = errors.New("signaling transport failed")
)

const defaultTeardownTimeout = 5 * time.Second

// Track is one local media track. Implementations wrap whatever the
// capture layer hands out.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// Constraints selects which tracks to acquire. DeviceID is optional
// and picks a specific capture device.
type Constraints struct {
	Audio    bool
	Video    bool
	DeviceID string
}

// Media acquires local capture tracks.
type Media interface {
	Acquire(ctx context.Context, c Constraints) ([]Track, error)
}

// Rendezvous carries call signals between peers. Peers are addressed
// by their public signing key.
type Rendezvous interface {
	// Ring notifies the callee of an incoming call.
	Ring(ctx context.Context, calleeKey, callID string) error
	// Accept notifies the caller that the call was answered.
	Accept(ctx context.Context, callerKey, callID string) error
	// Hangup notifies the peer that the call is over.
	Hangup(ctx context.Context, peerKey, callID string) error
	// Release frees any signaling state held for the call.
	Release(callID string)
}

// Session is the state machine for one call. It moves idle to ringing
// to connected to ended, or to failed from any active state. Both
// terminal states release media tracks and signaling state exactly
// once; a finished session is never reused.
type Session struct {
	log        *zap.Logger
	rendezvous Rendezvous
	media      Media
	teardownTO time.Duration
	onState    func(State)

	mu        sync.Mutex
	state     State
	direction Direction
	callID    string
	peerKey   string
	tracks    []Track

	teardownOnce sync.Once
}

// SessionConfig wires dependencies for a Session.
type SessionConfig struct {
	Log        *zap.Logger
	Rendezvous Rendezvous
	Media      Media
	// TeardownTimeout bounds signaling during hangup.
	TeardownTimeout time.Duration
	// OnState observes every state change. Called outside the session
	// lock.
	OnState func(State)
}

// NewSession constructs an idle Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Rendezvous == nil {
		return nil, fmt.Errorf("rendezvous is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("media is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.OnState == nil {
		cfg.OnState = func(State) {}
	}
	return &Session{
		log:        cfg.Log,
		rendezvous: cfg.Rendezvous,
		media:      cfg.Media,
		teardownTO: cfg.TeardownTimeout,
		onState:    cfg.OnState,
		state:      StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Direction returns who initiated the call. Empty while idle.
func (s *Session) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// PeerKey returns the remote peer's public signing key. Empty while
// idle.
func (s *Session) PeerKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerKey
}

// CallID returns the session's call id. Empty while idle.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.onState(state)
}

// Start places an outgoing call: acquire local media, then ring the
// callee. Only an idle session can start; a failed acquisition or
// signaling error moves the session to failed for good.
func (s *Session) Start(ctx context.Context, calleeKey string, c Constraints) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start from %s: %w", state, ErrInvalidState)
	}
	s.callID = uuid.NewString()
	s.peerKey = calleeKey
	s.direction = DirectionOutgoing
	s.mu.Unlock()

	tracks, err := s.media.Acquire(ctx, c)
	if err != nil {
		s.fail()
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}
	s.mu.Lock()
	s.tracks = tracks
	callID := s.callID
	s.mu.Unlock()

	if err := s.rendezvous.Ring(ctx, calleeKey, callID); err != nil {
		s.fail()
		return fmt.Errorf("%w: %v", ErrSignalingTransport, err)
	}
	s.setState(StateRinging)
	s.log.Info("call ringing",
		zap.String("call", callID),
		zap.String("callee", calleeKey))
	return nil
}

// HandleIncoming registers an incoming ring. Only an idle session can
// take a call; a busy one should decline at the signaling layer.
func (s *Session) HandleIncoming(callerKey, callID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot take a call while %s: %w", state, ErrInvalidState)
	}
	s.callID = callID
	s.peerKey = callerKey
	s.direction = DirectionIncoming
	s.mu.Unlock()

	s.setState(StateRinging)
	return nil
}

// Answer accepts an incoming ringing call: acquire local media, then
// signal acceptance to the caller.
func (s *Session) Answer(ctx context.Context, c Constraints) error {
	s.mu.Lock()
	if s.state != StateRinging || s.direction != DirectionIncoming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot answer while %s: %w", state, ErrInvalidState)
	}
	callerKey, callID := s.peerKey, s.callID
	s.mu.Unlock()

	tracks, err := s.media.Acquire(ctx, c)
	if err != nil {
		s.fail()
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}
	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()

	if err := s.rendezvous.Accept(ctx, callerKey, callID); err != nil {
		s.fail()
		return fmt.Errorf("%w: %v", ErrSignalingTransport, err)
	}
	s.setState(StateConnected)
	return nil
}

// HandleAccepted registers the callee's acceptance of an outgoing
// ringing call.
func (s *Session) HandleAccepted() error {
	s.mu.Lock()
	if s.state != StateRinging || s.direction != DirectionOutgoing {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("unexpected accept while %s: %w", state, ErrInvalidState)
	}
	s.mu.Unlock()

	s.setState(StateConnected)
	return nil
}

// HandleHangup registers the remote peer ending the call. Local media
// and signaling state are released.
func (s *Session) HandleHangup() {
	s.mu.Lock()
	if s.state != StateRinging && s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown()
	s.setState(StateEnded)
}

// End hangs up locally. It is safe to call in any state and more than
// once; tracks and signaling state are released exactly once.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	active := s.state == StateRinging || s.state == StateConnected
	peerKey, callID := s.peerKey, s.callID
	s.mu.Unlock()
	if !active {
		return
	}

	hangupCtx, cancel := context.WithTimeout(ctx, s.teardownTO)
	defer cancel()
	if err := s.rendezvous.Hangup(hangupCtx, peerKey, callID); err != nil {
		s.log.Warn("hangup signal failed", zap.String("call", callID), zap.Error(err))
	}
	s.teardown()
	s.setState(StateEnded)
}

// fail moves the session to its terminal failed state. There is no
// recovery path; the owner builds a fresh session to try again.
func (s *Session) fail() {
	s.teardown()
	s.setState(StateFailed)
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		tracks := s.tracks
		s.tracks = nil
		callID := s.callID
		s.mu.Unlock()

		for _, track := range tracks {
			track.Stop()
		}
		if callID != "" {
			s.rendezvous.Release(callID)
		}
	})
}

// ToggleAudio flips the enabled flag on all audio tracks and reports
// the new state. Connected calls only.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggleKind("audio")
}

// ToggleVideo flips the enabled flag on all video tracks and reports
// the new state. Connected calls only.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggleKind("video")
}

func (s *Session) toggleKind(kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false, fmt.Errorf("cannot toggle %s while %s: %w", kind, s.state, ErrInvalidState)
	}
	enabled := false
	found := false
	for _, track := range s.tracks {
		if track.Kind() != kind {
			continue
		}
		track.SetEnabled(!track.Enabled())
		enabled = track.Enabled()
		found = true
	}
	if !found {
		return false, fmt.Errorf("no %s track in call: %w", kind, ErrInvalidState)
	}
	return enabled, nil
}

// SwitchDevice replaces the tracks of one kind with tracks from a
// different capture device, mid-call. The old tracks are stopped only
// after the replacement is live.
func (s *Session) SwitchDevice(ctx context.Context, kind, deviceID string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot switch device while %s: %w", state, ErrInvalidState)
	}
	s.mu.Unlock()

	replacement, err := s.media.Acquire(ctx, Constraints{
		Audio:    kind == "audio",
		Video:    kind == "video",
		DeviceID: deviceID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	s.mu.Lock()
	var kept, retired []Track
	for _, track := range s.tracks {
		if track.Kind() == kind {
			retired = append(retired, track)
		} else {
			kept = append(kept, track)
		}
	}
	s.tracks = append(kept, replacement...)
	s.mu.Unlock()

	for _, track := range retired {
		track.Stop()
	}
	return nil
}

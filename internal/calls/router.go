// Package calls validates call-signaling traffic against a per-call state
// machine and relays accepted signals to the other participants.
package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/relay"
)

var (
	ErrInvalidCallState = errors.New("invalid call state")
	ErrCallNotFound     = errors.New("call not found")
	ErrNotParticipant   = errors.New("sender is not a call participant")
	ErrUnknownAction    = errors.New("unknown call action")
)

type State string

const (
	StateRinging  State = "RINGING"
	StateAnswered State = "ANSWERED"
	StateRejected State = "REJECTED"
	StateEnded    State = "ENDED"
)

func (s State) terminal() bool {
	return s == StateEnded || s == StateRejected
}

// Relayer delivers an envelope to every live session of a user.
type Relayer interface {
	SendToUser(ctx context.Context, userID string, env envelope.Envelope) relay.Result
}

type Config struct {
	TerminalRetention time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
}

// Call is a snapshot of one call's state.
type Call struct {
	ID           string
	CallerID     string
	Participants []string
	Type         envelope.CallType
	State        State
	StartedAt    time.Time
	UpdatedAt    time.Time
}

type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

type Router struct {
	mu    sync.Mutex
	calls map[string]*Call

	relay   Relayer
	cfg     Config
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time
}

func NewRouter(rl Relayer, cfg Config, m *metrics.Metrics, l logger.Logger, opts ...Option) *Router {
	r := &Router{
		calls:   make(map[string]*Call),
		relay:   rl,
		cfg:     cfg,
		metrics: m,
		log:     l.WithFields(logger.StringField("component", "call_router")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Signal applies sig from senderID. On success the signal is relayed to
// every participant except the sender.
func (r *Router) Signal(ctx context.Context, senderID string, sig envelope.CallSignal) error {
	call, err := r.apply(senderID, sig)
	if err != nil {
		r.metrics.CallSignals.WithLabelValues(string(sig.Action), "rejected").Inc()
		log := r.log.Debug
		if errors.Is(err, ErrInvalidCallState) || errors.Is(err, ErrNotParticipant) {
			log = r.log.Warn
		}
		log("call signal rejected", logger.CallField(sig.CallID), logger.UserField(senderID),
			logger.StringField("action", string(sig.Action)), logger.ErrorField(err))
		return err
	}
	r.metrics.CallSignals.WithLabelValues(string(sig.Action), "accepted").Inc()

	sig.CallerID = call.CallerID
	sig.Participants = call.Participants
	if sig.CallType == "" {
		sig.CallType = call.Type
	}
	env := envelope.New(sig).From(senderID)
	for _, p := range call.Participants {
		if p == senderID {
			continue
		}
		r.relay.SendToUser(ctx, p, env.To(p))
	}
	return nil
}

// apply validates and records the transition, returning a copy of the call.
func (r *Router) apply(senderID string, sig envelope.CallSignal) (Call, error) {
	if !sig.Action.Valid() {
		return Call{}, fmt.Errorf("%w: %q", ErrUnknownAction, sig.Action)
	}
	if sig.CallID == "" {
		return Call{}, fmt.Errorf("%w: empty call id", ErrCallNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	call, ok := r.calls[sig.CallID]
	if !ok {
		if sig.Action != envelope.CallRing {
			return Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, sig.CallID)
		}
		participants := dedupe(sig.Participants)
		if !slices.Contains(participants, senderID) {
			return Call{}, ErrNotParticipant
		}
		call = &Call{
			ID:           sig.CallID,
			CallerID:     senderID,
			Participants: participants,
			Type:         sig.CallType,
			State:        StateRinging,
			StartedAt:    now,
			UpdatedAt:    now,
		}
		r.calls[sig.CallID] = call
		return snapshot(call), nil
	}

	if !slices.Contains(call.Participants, senderID) {
		return Call{}, ErrNotParticipant
	}
	next, err := transition(call.State, sig.Action)
	if err != nil {
		return Call{}, err
	}
	call.State = next
	call.UpdatedAt = now
	return snapshot(call), nil
}

// transition returns the state after action, or ErrInvalidCallState.
func transition(current State, action envelope.CallAction) (State, error) {
	invalid := fmt.Errorf("%w: %s while %s", ErrInvalidCallState, action, current)
	if current.terminal() {
		return current, invalid
	}
	switch action {
	case envelope.CallRing:
		// Re-ringing an unanswered call is allowed.
		if current != StateRinging {
			return current, invalid
		}
		return StateRinging, nil
	case envelope.CallAnswer:
		if current != StateRinging {
			return current, invalid
		}
		return StateAnswered, nil
	case envelope.CallReject:
		if current != StateRinging {
			return current, invalid
		}
		return StateRejected, nil
	case envelope.CallEnd:
		return StateEnded, nil
	default:
		// Media, SDP, ICE and screen-share signals leave the state unchanged.
		return current, nil
	}
}

// Get returns a snapshot of callID.
func (r *Router) Get(callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return snapshot(call), nil
}

// Active counts calls that have not reached a terminal state.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if !c.State.terminal() {
			n++
		}
	}
	return n
}

// Collect removes terminal calls older than TerminalRetention and stalled
// calls idle for longer than IdleTimeout.
func (r *Router) Collect() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, c := range r.calls {
		age := now.Sub(c.UpdatedAt)
		if (c.State.terminal() && age >= r.cfg.TerminalRetention) ||
			(!c.State.terminal() && r.cfg.IdleTimeout > 0 && age >= r.cfg.IdleTimeout) {
			delete(r.calls, id)
			removed++
		}
	}
	if removed > 0 {
		r.metrics.CollectedCalls.Add(float64(removed))
		r.log.Debug("collected calls", logger.IntField("removed", removed))
	}
	return removed
}

// Run collects calls every SweepInterval until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Collect()
		}
	}
}

func snapshot(c *Call) Call {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return out
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

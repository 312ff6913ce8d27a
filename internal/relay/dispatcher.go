// Package relay fans envelopes out to live sessions.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// ErrSessionGone is wrapped by Transport errors for sessions that closed or
// never attached. Such misses are expected during churn.
var ErrSessionGone = errors.New("session gone")

// Transport pushes bytes to one session and knows which sessions follow a topic.
type Transport interface {
	Deliver(ctx context.Context, sessionID string, data []byte) error
	TopicSessions(topicID string) []string
}

// SessionResolver enumerates live sessions.
type SessionResolver interface {
	SessionsFor(userID string) []string
	AllSessions() []string
}

type Config struct {
	SendTimeout    time.Duration
	MaxConcurrency int
}

// Result summarises one fan-out. Callers never need to act on it.
type Result struct {
	Attempted int
	Failed    int
}

const (
	targetUser      = "user"
	targetTopic     = "topic"
	targetBroadcast = "broadcast"
)

type Dispatcher struct {
	transport Transport
	sessions  SessionResolver
	cfg       Config
	metrics   *metrics.Metrics
	log       logger.Logger

	bridge   Bridge
	instance string
}

func NewDispatcher(t Transport, s SessionResolver, cfg Config, m *metrics.Metrics, l logger.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 64
	}
	return &Dispatcher{
		transport: t,
		sessions:  s,
		cfg:       cfg,
		metrics:   m,
		log:       l.WithFields(logger.StringField("component", "relay")),
	}
}

// SendToUser pushes env to every live session of userID. A user with no
// sessions is a silent no-op.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, env envelope.Envelope) Result {
	data, ok := d.encode(env)
	if !ok {
		return Result{}
	}
	d.forward(ctx, targetUser, userID, data)
	return d.fanout(ctx, targetUser, d.sessions.SessionsFor(userID), data)
}

// SendToTopic pushes env to every session subscribed to topicID.
func (d *Dispatcher) SendToTopic(ctx context.Context, topicID string, env envelope.Envelope) Result {
	data, ok := d.encode(env)
	if !ok {
		return Result{}
	}
	d.forward(ctx, targetTopic, topicID, data)
	return d.fanout(ctx, targetTopic, d.transport.TopicSessions(topicID), data)
}

// Broadcast pushes env to every live session.
func (d *Dispatcher) Broadcast(ctx context.Context, env envelope.Envelope) Result {
	data, ok := d.encode(env)
	if !ok {
		return Result{}
	}
	d.forward(ctx, targetBroadcast, "", data)
	return d.fanout(ctx, targetBroadcast, d.sessions.AllSessions(), data)
}

func (d *Dispatcher) encode(env envelope.Envelope) ([]byte, bool) {
	data, err := json.Marshal(env)
	if err != nil {
		d.log.Error("failed to encode envelope", logger.StringField("type", string(env.Type)), logger.ErrorField(err))
		return nil, false
	}
	return data, true
}

// fanout delivers data to each session concurrently. A failing or slow
// session never holds up or aborts the others.
func (d *Dispatcher) fanout(ctx context.Context, target string, sessionIDs []string, data []byte) Result {
	if len(sessionIDs) == 0 {
		return Result{}
	}
	start := time.Now()

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, sid := range sessionIDs {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
			if err := d.transport.Deliver(sendCtx, sid, data); err != nil {
				failed.Add(1)
				d.metrics.Deliveries.WithLabelValues(target, metrics.ResultFailed).Inc()
				log := d.log.Warn
				if errors.Is(err, ErrSessionGone) {
					log = d.log.Debug
				}
				log("delivery failed", logger.SessionField(sid),
					logger.StringField("target", target), logger.ErrorField(err))
				return nil
			}
			d.metrics.Deliveries.WithLabelValues(target, metrics.ResultDelivered).Inc()
			return nil
		})
	}
	_ = g.Wait()

	d.metrics.FanoutDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	return Result{Attempted: len(sessionIDs), Failed: int(failed.Load())}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"

	"chat-relay/internal/logger"
)

// Event is one fan-out request shared between relay instances.
type Event struct {
	Origin   string          `json:"origin"`
	Kind     string          `json:"kind"`
	TargetID string          `json:"targetId,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

// Bridge carries Events between instances so each can deliver to the
// sessions it holds locally.
type Bridge interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe calls handle for every event until ctx is done.
	Subscribe(ctx context.Context, handle func(Event)) error
	Close() error
}

// WithBridge makes d share every fan-out with peer instances. instanceID
// tags outgoing events so d ignores its own echoes.
func (d *Dispatcher) WithBridge(b Bridge, instanceID string) *Dispatcher {
	d.bridge = b
	d.instance = instanceID
	return d
}

// Listen delivers events published by peers to local sessions. It blocks
// until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context) error {
	if d.bridge == nil {
		return errors.New("relay: no bridge configured")
	}
	return d.bridge.Subscribe(ctx, func(ev Event) {
		if ev.Origin == d.instance {
			return
		}
		d.metrics.BridgeMessages.WithLabelValues("in").Inc()
		d.deliverRemote(ctx, ev)
	})
}

func (d *Dispatcher) deliverRemote(ctx context.Context, ev Event) {
	var targets []string
	switch ev.Kind {
	case targetUser:
		targets = d.sessions.SessionsFor(ev.TargetID)
	case targetTopic:
		targets = d.transport.TopicSessions(ev.TargetID)
	case targetBroadcast:
		targets = d.sessions.AllSessions()
	default:
		d.log.Warn("dropping bridge event with unknown kind", logger.StringField("kind", ev.Kind))
		return
	}
	d.fanout(ctx, ev.Kind, targets, ev.Envelope)
}

func (d *Dispatcher) forward(ctx context.Context, kind, targetID string, data []byte) {
	if d.bridge == nil {
		return
	}
	ev := Event{Origin: d.instance, Kind: kind, TargetID: targetID, Envelope: data}
	if err := d.bridge.Publish(ctx, ev); err != nil {
		d.log.Warn("bridge publish failed", logger.StringField("kind", kind), logger.ErrorField(err))
		return
	}
	d.metrics.BridgeMessages.WithLabelValues("out").Inc()
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-relay/internal/logger"

	"github.com/nats-io/nats.go"
)

// NATSBridge shares events over a NATS subject.
type NATSBridge struct {
	nc      *nats.Conn
	subject string
	log     logger.Logger
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, name string, l logger.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("NATS disconnected", logger.ErrorField(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("NATS reconnected", logger.StringField("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBridge{nc: nc, log: l}, nil
}

// WithSubject sets the subject events travel on.
func (b *NATSBridge) WithSubject(subject string) *NATSBridge {
	b.subject = subject
	return b
}

func (b *NATSBridge) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bridge event: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBridge) Subscribe(ctx context.Context, handle func(Event)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("invalid bridge event", logger.ErrorField(err))
			return
		}
		handle(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Close drains pending messages and closes the connection.
func (b *NATSBridge) Close() error {
	return b.nc.Drain()
}

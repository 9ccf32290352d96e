// Package relay forwards domain events and notifications onto NATS so other
// processes (edge gateways, mail workers) can follow a project without
// polling the API.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"abode/collab/internal/events"
	"abode/collab/internal/notify"
	"abode/collab/internal/pubsub"
)

const DefaultPrefix = "collab"

type publisher interface {
	PublishMsg(m *nats.Msg) error
}

type Relay struct {
	nc     *nats.Conn
	pub    publisher
	codec  *Codec
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string, logger zerolog.Logger) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	r, err := newRelay(nc, DefaultPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.nc = nc
	return r, nil
}

func newRelay(pub publisher, prefix string, logger zerolog.Logger) (*Relay, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &Relay{
		pub:    pub,
		codec:  codec,
		prefix: prefix,
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// EventSubject is <prefix>.events.<project>.<type>.
func (r *Relay) EventSubject(evt events.Event) string {
	return r.prefix + ".events." + token(evt.ProjectID) + "." + token(string(evt.Type))
}

// NotificationSubject is <prefix>.notifications.<user>.
func (r *Relay) NotificationSubject(userID string) string {
	return r.prefix + ".notifications." + token(userID)
}

func (r *Relay) PublishEvent(evt events.Event) error {
	return r.publish(r.EventSubject(evt), evt.ID, evt)
}

func (r *Relay) Name() string {
	return "nats"
}

// Deliver publishes n on the recipient's subject.
func (r *Relay) Deliver(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.publish(r.NotificationSubject(n.UserID), n.ID, n)
}

// Run forwards bus events until ctx is done or the subscription closes.
func (r *Relay) Run(ctx context.Context, sub *pubsub.Subscription[events.Event]) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.PublishEvent(evt); err != nil {
				r.logger.Warn().Err(err).
					Str("project_id", evt.ProjectID).
					Str("event_type", string(evt.Type)).
					Msg("relay event")
			}
		}
	}
}

// SubscribeNotifications decodes notifications published for userID.
func (r *Relay) SubscribeNotifications(userID string, fn func(notify.Notification)) (*nats.Subscription, error) {
	if r.nc == nil {
		return nil, fmt.Errorf("relay has no nats connection")
	}
	return r.nc.Subscribe(r.NotificationSubject(userID), func(msg *nats.Msg) {
		var n notify.Notification
		if err := r.codec.Unmarshal(msg.Data, &n); err != nil {
			r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("decode notification")
			return
		}
		fn(n)
	})
}

func (r *Relay) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}

func (r *Relay) publish(subject, msgID string, v any) error {
	data, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", ContentType)
	msg.Header.Set(nats.MsgIdHdr, msgID)
	if err := r.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// token makes an id safe to use as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

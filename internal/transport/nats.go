package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/fogfish/opts"
	"github.com/nats-io/nats.go"
)

const defaultNATSPrefix = "fetchbroker"

// NATSTransport talks to sources over NATS subjects:
//
//	<prefix>.announce      source -> broker  announce
//	<prefix>.inbound       source -> broker  response, text, heartbeat (each names its source)
//	<prefix>.source.<id>   broker -> source  fetch, upgrade
//	<prefix>.discover      broker -> all     discover
//
// NATS has no connection per source, so liveness comes from heartbeats: every announce and
// heartbeat touches the source's lease in the configured Presence.
type NATSTransport struct {
	client   *nats.Conn
	handler  Handler
	presence Presence
	prefix   string
	logger   *slog.Logger

	subs []*nats.Subscription
}

var (
	// NATSPrefix sets the subject prefix, "fetchbroker" by default.
	NATSPrefix   = opts.ForName[NATSTransport, string]("prefix")
	NATSPresence = opts.ForName[NATSTransport, Presence]("presence")
	NATSLogger   = opts.ForName[NATSTransport, *slog.Logger]("logger")
)

func NATS(client *nats.Conn, handler Handler, options ...opts.Option[NATSTransport]) (*NATSTransport, error) {
	t := &NATSTransport{
		client:  client,
		handler: handler,
		prefix:  defaultNATSPrefix,
		logger:  slog.Default(),
	}
	if err := opts.Apply(t, options); err != nil {
		return nil, err
	}
	t.presence = presenceOrNoop(t.presence)
	t.logger = t.logger.With(slogx.LoggerName("transport.nats"))
	return t, nil
}

func (t *NATSTransport) subject(parts ...string) string {
	s := t.prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

// Start subscribes to the announce and inbound subjects. Callbacks run with ctx.
func (t *NATSTransport) Start(ctx context.Context) error {
	announce, err := t.client.Subscribe(t.subject("announce"), func(msg *nats.Msg) {
		t.onAnnounce(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to announcements: %w", err)
	}
	inbound, err := t.client.Subscribe(t.subject("inbound"), func(msg *nats.Msg) {
		t.onInbound(ctx, msg.Data)
	})
	if err != nil {
		_ = announce.Unsubscribe()
		return fmt.Errorf("failed to subscribe to inbound messages: %w", err)
	}
	t.subs = []*nats.Subscription{announce, inbound}
	return t.client.Flush()
}

// Close drops the subscriptions. The NATS connection stays open.
func (t *NATSTransport) Close() error {
	var errs []error
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}

// Discover asks every listening source to announce itself.
func (t *NATSTransport) Discover(_ context.Context, version string) error {
	data, err := wire.Encode(wire.Discover{Version: version})
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject("discover"), data)
}

func (t *NATSTransport) onAnnounce(ctx context.Context, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to decode announcement", slogx.Error(err))
		return
	}
	announce, ok := env.Message.(wire.Announce)
	if !ok || announce.Source == "" {
		t.logger.WarnContext(ctx, "dropping announcement without source id", slog.String("kind", string(env.Kind)))
		return
	}
	t.presence.Touch(announce.Source)
	t.handler.Register(ctx, announce.Source, &natsChannel{
		client:  t.client,
		subject: t.subject("source", announce.Source),
	}, announce)
}

func (t *NATSTransport) onInbound(ctx context.Context, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to decode inbound message", slogx.Error(err))
		return
	}
	var source string
	switch msg := env.Message.(type) {
	case wire.Reply:
		source = msg.Source
	case wire.Text:
		source = msg.Source
	case wire.Heartbeat:
		source = msg.Source
	default:
		t.logger.WarnContext(ctx, "unexpected inbound message", slog.String("kind", string(env.Kind)))
		return
	}
	if source == "" {
		t.logger.WarnContext(ctx, "dropping inbound message without source id", slog.String("kind", string(env.Kind)))
		return
	}
	t.presence.Touch(source)
	t.handler.Receive(ctx, source, env.Message)
}

type natsChannel struct {
	client  *nats.Conn
	subject string
}

func (c *natsChannel) Send(_ context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.client.Publish(c.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

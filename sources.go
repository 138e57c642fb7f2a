package fetchbroker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/casualjim/fetchbroker/internal/transport"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

// Register implements transport.Handler.
func (b *Broker) Register(ctx context.Context, sourceID string, ch transport.Channel, announce wire.Announce) {
	if err := b.RegisterSource(ctx, sourceID, announce.Name, announce.Version, ch); err != nil {
		b.logger.WarnContext(ctx, "failed to register source", slogx.SourceID(sourceID), slogx.Error(err))
	}
}

// RegisterSource adds a source or replaces the channel of a known one. Sources built for
// another version are told to upgrade. Every registration triggers a reap, and the first
// one opens the dynamic namespace.
func (b *Broker) RegisterSource(ctx context.Context, id, name, version string, ch transport.Channel) error {
	if id == "" {
		return errors.New("source id is required")
	}
	if ch == nil {
		return errors.New("source channel is required")
	}

	var superseded bool
	err := b.exec(ctx, func() {
		_, superseded = b.registry.Register(id, name, version, ch)
		b.updateGauges()
	})
	if err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "received new channel",
		slogx.SourceID(id),
		slog.String("name", name),
		slog.String("version", version),
		slog.Bool("superseded", superseded),
	)

	if b.version != "" && version != b.version {
		if err := ch.Send(ctx, wire.Upgrade{Version: b.version}); err != nil {
			b.logger.DebugContext(ctx, "failed to send upgrade notice", slogx.SourceID(id), slogx.Error(err))
		} else {
			b.metrics.UpgradeSent()
		}
	}

	b.open("first source registered")
	b.reaper.Trigger()
	return nil
}

// Receive implements transport.Handler.
func (b *Broker) Receive(ctx context.Context, sourceID string, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Reply:
		if err := b.HandleReply(ctx, sourceID, m); err != nil {
			b.logger.DebugContext(ctx, "reply not processed", slogx.SourceID(sourceID), slogx.Error(err))
		}
	case wire.Text:
		b.logger.InfoContext(ctx, "msg received", slogx.SourceID(sourceID), slog.String("text", m.Text))
	case wire.Heartbeat:
		// leases are kept by the transport's presence tracking
	default:
		b.logger.WarnContext(ctx, "unexpected message from source", slogx.SourceID(sourceID), slog.String("kind", string(msg.Kind())))
	}
}

// Disconnect implements transport.Handler.
func (b *Broker) Disconnect(ctx context.Context, sourceID string) {
	b.logger.InfoContext(ctx, "source disconnected", slogx.SourceID(sourceID))
	b.reaper.Trigger()
}

// HandleReply applies a source's reply to its pending request. A 200 wins immediately and
// binds the requesting client to the source. Other statuses are kept until every candidate
// has answered or vanished. Replies for unknown sequence numbers are dropped.
func (b *Broker) HandleReply(ctx context.Context, sourceID string, reply wire.Reply) error {
	if sourceID == "" {
		sourceID = reply.Source
	}
	return b.exec(ctx, func() {
		e, ok := b.table.Get(reply.Seq)
		if !ok {
			b.logger.DebugContext(ctx, "dropping reply for settled request", slogx.Seq(reply.Seq), slogx.SourceID(sourceID))
			return
		}
		if _, ok := e.Candidate(sourceID); !ok {
			b.logger.WarnContext(ctx, "dropping reply from a source that was not asked", slogx.Seq(reply.Seq), slogx.SourceID(sourceID))
			return
		}

		if reply.Status == http.StatusOK {
			if e.ClientID != "" {
				b.registry.BindClient(e.ClientID, sourceID)
			}
			b.table.Resolve(e.Seq, reply.Response)
			b.updateGauges()
			return
		}
		if e.Record(sourceID, reply.Response) {
			b.settle(e)
		}
	})
}

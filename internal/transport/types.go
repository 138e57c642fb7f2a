package transport

import (
	"context"
	"errors"

	"github.com/casualjim/fetchbroker/pkg/wire"
)

var (
	// ErrClosed is returned by Send once the underlying connection is gone.
	ErrClosed = errors.New("channel closed")
	// ErrSlowPeer is returned by Send when a peer does not drain its inbox in time.
	ErrSlowPeer = errors.New("peer is not draining its inbox")
	// ErrNoAnnounce is returned when a connection does not start with an announce message.
	ErrNoAnnounce = errors.New("first message must be an announce")
)

// Channel is the send-only handle the broker keeps for a registered source.
type Channel interface {
	Send(context.Context, wire.Message) error
}

// Handler receives everything that arrives from sources.
type Handler interface {
	// Register is called when a source announces itself. ch delivers messages back to it.
	Register(ctx context.Context, sourceID string, ch Channel, announce wire.Announce)
	// Receive is called for every non-announce message from a registered source.
	Receive(ctx context.Context, sourceID string, msg wire.Message)
	// Disconnect is called when the transport knows the source is gone.
	Disconnect(ctx context.Context, sourceID string)
}

// Discoverer is implemented by transports that can ask every reachable peer to announce itself.
type Discoverer interface {
	Discover(ctx context.Context, version string) error
}

// DiscoverFunc adapts a function to a Discoverer.
type DiscoverFunc func(ctx context.Context, version string) error

func (f DiscoverFunc) Discover(ctx context.Context, version string) error {
	return f(ctx, version)
}

// Presence is told when a source's connection comes and goes, or when a leased source
// proves it is still alive. host.Tracker implements it.
type Presence interface {
	Join(id string)
	Leave(id string)
	Touch(id string)
}

type noPresence struct{}

func (noPresence) Join(string)  {}
func (noPresence) Leave(string) {}
func (noPresence) Touch(string) {}

func presenceOrNoop(p Presence) Presence {
	if p == nil {
		return noPresence{}
	}
	return p
}

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/fetchbroker/pkg/uuidx"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

const (
	defaultSlowPeerTimeout = 100 * time.Millisecond
	localInboxSize         = 50
)

// LocalHub connects in-process sources to a Handler.
type LocalHub struct {
	handler         Handler
	presence        Presence
	slowPeerTimeout time.Duration

	mu    sync.Mutex
	peers *haxmap.Map[string, *LocalPeer]
}

func Local(handler Handler, presence Presence) *LocalHub {
	return &LocalHub{
		handler:         handler,
		presence:        presenceOrNoop(presence),
		peers:           haxmap.New[string, *LocalPeer](),
		slowPeerTimeout: defaultSlowPeerTimeout,
	}
}

// WithSlowPeerTimeout configures how long Send waits on a full inbox before giving up.
func (h *LocalHub) WithSlowPeerTimeout(timeout time.Duration) *LocalHub {
	h.slowPeerTimeout = timeout
	return h
}

// Connect registers a new in-process source. An empty announce.Source gets a generated id.
// Connecting again with the id of a live peer supersedes it: the old peer is closed without
// a disconnect notification.
func (h *LocalHub) Connect(ctx context.Context, announce wire.Announce) *LocalPeer {
	if announce.Source == "" {
		announce.Source = uuidx.Prefixed("local")
	}
	peer := &LocalPeer{
		id:    announce.Source,
		hub:   h,
		inbox: make(chan wire.Message, localInboxSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	old, superseded := h.peers.Get(peer.id)
	h.peers.Set(peer.id, peer)
	h.mu.Unlock()

	h.presence.Join(peer.id)
	if superseded && old.shutdown() {
		h.presence.Leave(old.id)
	}
	h.handler.Register(ctx, peer.id, peer, announce)
	return peer
}

// Peer returns the live peer with the given id.
func (h *LocalHub) Peer(id string) (*LocalPeer, bool) {
	return h.peers.Get(id)
}

// Discover delivers a discover request to every connected peer.
func (h *LocalHub) Discover(ctx context.Context, version string) error {
	h.peers.ForEach(func(_ string, peer *LocalPeer) bool {
		_ = peer.Send(ctx, wire.Discover{Version: version})
		return true
	})
	return nil
}

// LocalPeer is both ends of an in-process source: the broker sends through it as a Channel,
// and the source reads its Inbox and answers with Reply.
type LocalPeer struct {
	id        string
	hub       *LocalHub
	inbox     chan wire.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (p *LocalPeer) ID() string {
	return p.id
}

// Inbox carries fetch, upgrade and discover messages for this source.
func (p *LocalPeer) Inbox() <-chan wire.Message {
	return p.inbox
}

// Done is closed once the peer is closed or superseded.
func (p *LocalPeer) Done() <-chan struct{} {
	return p.done
}

func (p *LocalPeer) Send(ctx context.Context, msg wire.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case p.inbox <- msg:
		return nil
	case <-time.After(p.hub.slowPeerTimeout):
		return ErrSlowPeer
	}
}

// Reply answers a fetch.
func (p *LocalPeer) Reply(ctx context.Context, seq uint64, resp wire.Response) {
	p.deliver(ctx, wire.Reply{Seq: seq, Source: p.id, Response: resp})
}

// Text sends a debug line to the broker log.
func (p *LocalPeer) Text(ctx context.Context, text string) {
	p.deliver(ctx, wire.Text{Source: p.id, Text: text})
}

func (p *LocalPeer) deliver(ctx context.Context, msg wire.Message) {
	select {
	case <-p.done:
		return
	default:
	}
	p.hub.handler.Receive(ctx, p.id, msg)
}

// Serve answers every fetch in the inbox with fn until ctx is done or the peer closes.
// Other messages are ignored.
func (p *LocalPeer) Serve(ctx context.Context, fn func(context.Context, wire.Fetch) wire.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case msg := <-p.inbox:
			if fetch, ok := msg.(wire.Fetch); ok {
				p.Reply(ctx, fetch.Seq, fn(ctx, fetch))
			}
		}
	}
}

// Close disconnects the peer.
func (p *LocalPeer) Close() {
	if !p.shutdown() {
		return
	}
	p.hub.mu.Lock()
	if cur, ok := p.hub.peers.Get(p.id); ok && cur == p {
		p.hub.peers.Del(p.id)
	}
	p.hub.mu.Unlock()
	p.hub.presence.Leave(p.id)
	p.hub.handler.Disconnect(context.Background(), p.id)
}

func (p *LocalPeer) shutdown() bool {
	closed := false
	p.closeOnce.Do(func() {
		close(p.done)
		closed = true
	})
	return closed
}

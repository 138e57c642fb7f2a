package fetchbroker

import (
	"context"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/fetchbroker/internal/host"
	"github.com/casualjim/fetchbroker/internal/transport"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/fogfish/opts"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

type testEnv struct {
	broker  *Broker
	tracker *host.Tracker
	hub     *transport.LocalHub
	cancel  context.CancelFunc
	done    chan error
}

func newTestEnv(t *testing.T, options ...opts.Option[Broker]) *testEnv {
	t.Helper()
	tracker := host.NewTracker()
	env := newHostEnv(t, tracker, tracker, options...)
	env.tracker = tracker
	return env
}

// newHostEnv runs a broker against h. presence may be nil for hosts that only enumerate.
func newHostEnv(t *testing.T, h Host, presence transport.Presence, options ...opts.Option[Broker]) *testEnv {
	t.Helper()
	defaults := []opts.Option[Broker]{
		WithVersion("1.0.0"),
		WithGracePeriod(50 * time.Millisecond),
		WithSweepInterval(20 * time.Millisecond),
	}
	b, err := New(h, append(defaults, options...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		broker: b,
		hub:    transport.Local(b, presence),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { env.done <- b.Run(ctx) }()
	t.Cleanup(env.stop)
	return env
}

// staticHost is a host that can only enumerate its peers.
type staticHost struct {
	mu    sync.Mutex
	peers []string
}

func (h *staticHost) Peers(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.peers), nil
}

func (h *staticHost) set(ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = ids
}

func (e *testEnv) stop() {
	e.cancel()
	<-e.done
	e.done <- nil
}

func (e *testEnv) connect(t *testing.T, id string) *transport.LocalPeer {
	t.Helper()
	peer := e.hub.Connect(context.Background(), wire.Announce{Source: id, Name: id, Version: "1.0.0"})
	t.Cleanup(peer.Close)
	return peer
}

func (e *testEnv) request(ctx context.Context, req wire.Request) <-chan wire.Response {
	out := make(chan wire.Response, 1)
	go func() { out <- e.broker.HandleRequest(ctx, req) }()
	return out
}

func (e *testEnv) bindings(t *testing.T) map[string]string {
	t.Helper()
	st, err := e.broker.Status(context.Background())
	require.NoError(t, err)
	return st.Bindings
}

func newRequest(t *testing.T, method, rawURL, clientID, resultingClientID string) wire.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return wire.Request{Method: method, URL: u, ClientID: clientID, ResultingClientID: resultingClientID}
}

func awaitResponse(t *testing.T, ch <-chan wire.Response) wire.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for response")
		return wire.Response{}
	}
}

func nextFetch(t *testing.T, peer *transport.LocalPeer) wire.Fetch {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg := <-peer.Inbox():
			if fetch, ok := msg.(wire.Fetch); ok {
				return fetch
			}
		case <-deadline:
			t.Fatalf("timeout waiting for a fetch on %s", peer.ID())
			return wire.Fetch{}
		}
	}
}

func assertNoFetch(t *testing.T, peer *transport.LocalPeer) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case msg := <-peer.Inbox():
			if fetch, ok := msg.(wire.Fetch); ok {
				t.Fatalf("unexpected fetch %d on %s", fetch.Seq, peer.ID())
			}
		case <-deadline:
			return
		}
	}
}

func respond(status int, body string) wire.Response {
	return wire.Response{Status: status, Body: []byte(body)}
}

type fetcherFunc func(context.Context, wire.Request) (wire.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req wire.Request) (wire.Response, error) {
	return f(ctx, req)
}

type failingChannel struct{}

func (failingChannel) Send(context.Context, wire.Message) error { return transport.ErrClosed }

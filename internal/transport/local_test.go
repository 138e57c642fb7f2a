package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalHub(t *testing.T) {
	t.Run("generates ids for anonymous peers", func(t *testing.T) {
		handler := newRecordingHandler()
		hub := Local(handler, nil)
		peer := hub.Connect(context.Background(), wire.Announce{Version: "1"})
		defer peer.Close()

		assert.True(t, strings.HasPrefix(peer.ID(), "local-"))
		assert.Equal(t, peer.ID(), waitFor(t, handler.registered).Source)
	})

	t.Run("superseding closes the previous peer quietly", func(t *testing.T) {
		handler := newRecordingHandler()
		presence := newRecordingPresence()
		hub := Local(handler, presence)
		first := hub.Connect(context.Background(), wire.Announce{Source: "a", Version: "1"})
		second := hub.Connect(context.Background(), wire.Announce{Source: "a", Version: "1"})
		defer second.Close()

		assert.ErrorIs(t, first.Send(context.Background(), wire.Upgrade{}), ErrClosed)
		require.NoError(t, second.Send(context.Background(), wire.Upgrade{}))

		first.Close()
		select {
		case id := <-handler.disconnected:
			t.Fatalf("unexpected disconnect for %s", id)
		default:
		}
		got, ok := hub.Peer("a")
		require.True(t, ok)
		assert.Same(t, second, got)

		presence.mu.Lock()
		defer presence.mu.Unlock()
		assert.Equal(t, 2, presence.joins["a"])
		assert.Equal(t, 1, presence.leaves["a"])
	})

	t.Run("slow peers time out", func(t *testing.T) {
		hub := Local(newRecordingHandler(), nil).WithSlowPeerTimeout(10 * time.Millisecond)
		peer := hub.Connect(context.Background(), wire.Announce{Source: "slow"})
		defer peer.Close()

		for i := 0; i < localInboxSize; i++ {
			require.NoError(t, peer.Send(context.Background(), wire.Upgrade{}))
		}
		assert.ErrorIs(t, peer.Send(context.Background(), wire.Upgrade{}), ErrSlowPeer)
	})

	t.Run("serve answers fetches", func(t *testing.T) {
		handler := newRecordingHandler()
		hub := Local(handler, nil)
		peer := hub.Connect(context.Background(), wire.Announce{Source: "a"})
		defer peer.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go peer.Serve(ctx, func(_ context.Context, f wire.Fetch) wire.Response {
			return wire.Response{Status: 200, Body: []byte(f.Request.URL)}
		})

		require.NoError(t, peer.Send(ctx, wire.Fetch{Seq: 3, Request: wire.RequestLine{Method: "GET", URL: "/run/a"}}))
		got := waitFor(t, handler.received)
		reply, ok := got.msg.(wire.Reply)
		require.True(t, ok)
		assert.Equal(t, uint64(3), reply.Seq)
		assert.Equal(t, []byte("/run/a"), reply.Body)
	})

	t.Run("discover reaches every peer", func(t *testing.T) {
		hub := Local(newRecordingHandler(), nil)
		a := hub.Connect(context.Background(), wire.Announce{Source: "a"})
		b := hub.Connect(context.Background(), wire.Announce{Source: "b"})
		defer a.Close()
		defer b.Close()

		require.NoError(t, hub.Discover(context.Background(), "9"))
		assert.Equal(t, wire.Discover{Version: "9"}, waitFor(t, a.Inbox()))
		assert.Equal(t, wire.Discover{Version: "9"}, waitFor(t, b.Inbox()))
	})
}

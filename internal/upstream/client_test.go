package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(wire.HeaderClientID) != "" {
			http.Error(w, "client id leaked", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/base/app.js":
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = io.WriteString(w, "console.log(1)")
		case "/base/echo":
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := New(Origin(mustURL(t, server.URL+"/base/")))
	require.NoError(t, err)

	t.Run("rewrites to the origin", func(t *testing.T) {
		resp, err := client.Fetch(context.Background(), wire.Request{
			Method: http.MethodGet,
			URL:    mustURL(t, "https://app.example/app.js"),
			Header: http.Header{wire.HeaderClientID: {"tab"}},
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "OK", resp.StatusText)
		assert.Equal(t, "text/javascript", resp.Header.Get("Content-Type"))
		assert.Equal(t, []byte("console.log(1)"), resp.Body)
	})

	t.Run("forwards bodies", func(t *testing.T) {
		resp, err := client.Fetch(context.Background(), wire.Request{
			Method: http.MethodPost,
			URL:    mustURL(t, "https://app.example/echo"),
			Body:   []byte("ping"),
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.Status)
		assert.Equal(t, []byte("ping"), resp.Body)
	})

	t.Run("http errors are responses", func(t *testing.T) {
		resp, err := client.Fetch(context.Background(), wire.Request{
			Method: http.MethodGet,
			URL:    mustURL(t, "https://app.example/missing"),
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})
}

func TestFetchBodyLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer server.Close()

	t.Run("oversized bodies fail without retrying", func(t *testing.T) {
		hits.Store(0)
		client, err := New(MaxBodySize(10), MaxTries(3))
		require.NoError(t, err)

		_, err = client.Fetch(context.Background(), wire.Request{Method: http.MethodGet, URL: mustURL(t, server.URL+"/big")})
		require.Error(t, err)
		assert.True(t, errors.Is(err, wire.ErrBodyTooLarge))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("bodies at the limit are kept whole", func(t *testing.T) {
		client, err := New(MaxBodySize(100))
		require.NoError(t, err)

		resp, err := client.Fetch(context.Background(), wire.Request{Method: http.MethodGet, URL: mustURL(t, server.URL+"/big")})
		require.NoError(t, err)
		assert.Len(t, resp.Body, 100)
	})
}

func TestFetchRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// drop the connection without answering
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = io.WriteString(w, "finally")
	}))
	defer server.Close()

	t.Run("recovers from transport errors", func(t *testing.T) {
		calls.Store(0)
		client, err := New(MaxTries(5))
		require.NoError(t, err)
		resp, err := client.Fetch(context.Background(), wire.Request{Method: http.MethodGet, URL: mustURL(t, server.URL+"/x")})
		require.NoError(t, err)
		assert.Equal(t, []byte("finally"), resp.Body)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		calls.Store(0)
		client, err := New(MaxTries(2))
		require.NoError(t, err)
		_, err = client.Fetch(context.Background(), wire.Request{Method: http.MethodGet, URL: mustURL(t, server.URL+"/x")})
		assert.Error(t, err)
		assert.EqualValues(t, 2, calls.Load())
	})
}

package wire

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncode(t *testing.T) {
	t.Run("stamps kind and send time", func(t *testing.T) {
		data, err := Encode(Fetch{Seq: 7, Version: "1.0.0", Request: RequestLine{Method: "GET", URL: "https://app/run/a.js"}})
		require.NoError(t, err)

		assert.Equal(t, "fetch", gjson.GetBytes(data, "kind").String())
		assert.Equal(t, int64(7), gjson.GetBytes(data, "seq").Int())
		assert.Equal(t, "https://app/run/a.js", gjson.GetBytes(data, "request.url").String())
		assert.True(t, gjson.GetBytes(data, "sentAt").Exists())
	})

	t.Run("flattens the reply response", func(t *testing.T) {
		data, err := Encode(Reply{Seq: 3, Response: Response{Status: 200, Body: []byte("hello")}})
		require.NoError(t, err)

		assert.Equal(t, int64(200), gjson.GetBytes(data, "status").Int())
		assert.Equal(t, "aGVsbG8=", gjson.GetBytes(data, "body").String())
		assert.False(t, gjson.GetBytes(data, "Response").Exists())
	})

	t.Run("rejects nil", func(t *testing.T) {
		_, err := Encode(nil)
		assert.Error(t, err)
	})
}

func TestDecode(t *testing.T) {
	t.Run("reads a reply written by a browser source", func(t *testing.T) {
		raw := []byte(`{"kind":"response","seq":12,"status":404,"statusText":"Not Found","headers":{"Content-Type":["text/plain"]},"body":"bm9wZQ=="}`)
		env, err := Decode(raw)
		require.NoError(t, err)

		assert.Equal(t, KindResponse, env.Kind)
		assert.True(t, env.SentAt.IsZero())
		reply, ok := env.Message.(Reply)
		require.True(t, ok)
		assert.Equal(t, uint64(12), reply.Seq)
		assert.Equal(t, 404, reply.Status)
		assert.Equal(t, "text/plain", reply.Header.Get("Content-Type"))
		assert.Equal(t, []byte("nope"), reply.Body)
	})

	t.Run("round trips the send time", func(t *testing.T) {
		data, err := Encode(Announce{Source: "ide-1", Version: "1.0.0"})
		require.NoError(t, err)

		env, err := Decode(data)
		require.NoError(t, err)
		assert.False(t, env.SentAt.IsZero())
		assert.Equal(t, Announce{Source: "ide-1", Version: "1.0.0"}, env.Message)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"gossip"}`))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, err := Decode([]byte(`{"seq":1}`))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("wrong field type", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"fetch","seq":"seven"}`))
		assert.Error(t, err)
	})
}

func TestResponse(t *testing.T) {
	t.Run("synthetic responses", func(t *testing.T) {
		assert.True(t, NoSources().Synthetic())
		assert.True(t, SourceDisappeared().Synthetic())
		assert.True(t, FetchFailed().Synthetic())
		assert.False(t, NotFound("Not Found").Synthetic())
		assert.False(t, Response{Status: 200, StatusText: StatusTextNoSources}.Synthetic())
	})

	t.Run("clone does not alias", func(t *testing.T) {
		orig := Response{Status: 200, Header: http.Header{"X-A": {"1"}}, Body: []byte("abc")}
		cp := orig.Clone()
		cp.Header.Set("X-A", "2")
		cp.Body[0] = 'z'

		assert.Equal(t, "1", orig.Header.Get("X-A"))
		assert.Equal(t, []byte("abc"), orig.Body)
	})

	t.Run("write carries the status text", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, SourceDisappeared().Write(rec))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, StatusTextSourceDisappeared, rec.Header().Get(HeaderStatusText))
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("write defaults to 200", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, Response{Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte("ok")}.Write(rec))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
		assert.Empty(t, rec.Header().Get(HeaderStatusText))
	})
	t.Run("write leaves framing to net/http", func(t *testing.T) {
		rec := httptest.NewRecorder()
		resp := Response{
			Status: http.StatusOK,
			Header: http.Header{
				"Content-Length":    {"100"},
				"Connection":        {"keep-alive"},
				"Transfer-Encoding": {"chunked"},
				"Content-Type":      {"text/plain"},
			},
			Body: []byte("short"),
		}
		require.NoError(t, resp.Write(rec))

		assert.Empty(t, rec.Header().Get("Content-Length"))
		assert.Empty(t, rec.Header().Get("Connection"))
		assert.Empty(t, rec.Header().Get("Transfer-Encoding"))
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
		assert.Equal(t, "short", rec.Body.String())
	})
}

func TestReadBody(t *testing.T) {
	t.Run("within the limit", func(t *testing.T) {
		data, err := ReadBody(strings.NewReader("0123456789"), 10)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	})

	t.Run("over the limit", func(t *testing.T) {
		_, err := ReadBody(strings.NewReader("0123456789a"), 10)
		assert.True(t, errors.Is(err, ErrBodyTooLarge))
	})

	t.Run("no limit", func(t *testing.T) {
		data, err := ReadBody(strings.NewReader(strings.Repeat("x", 1000)), 0)
		require.NoError(t, err)
		assert.Len(t, data, 1000)
	})
}

func TestFromHTTP(t *testing.T) {
	t.Run("captures identity and body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://app.example/run/x", strings.NewReader("ping"))
		req.Header.Set(HeaderClientID, "tab")

		out, err := FromHTTP(req, 10)
		require.NoError(t, err)
		assert.Equal(t, "tab", out.ClientID)
		assert.Equal(t, "http://app.example/run/x", out.URL.String())
		assert.Equal(t, []byte("ping"), out.Body)
	})

	t.Run("rejects oversized bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://app.example/upload", strings.NewReader(strings.Repeat("x", 11)))
		_, err := FromHTTP(req, 10)
		assert.True(t, errors.Is(err, ErrBodyTooLarge))
	})
}

package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrBodyTooLarge is returned when a body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("body too large")

// Headers that carry the requesting context's identity over HTTP.
const (
	HeaderClientID          = "X-Fetch-Client-Id"
	HeaderResultingClientID = "X-Fetch-Resulting-Client-Id"
)

// Request is an intercepted request as the broker sees it.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	// ClientID identifies the requesting context. Empty for a context that is still
	// being created, in which case ResultingClientID names it.
	ClientID          string
	ResultingClientID string
}

// EffectiveClientID is the id a binding for this request is recorded under.
func (r Request) EffectiveClientID() string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.ResultingClientID
}

// Line returns the part of the request forwarded to sources.
func (r Request) Line() RequestLine {
	line := RequestLine{Method: r.Method}
	if r.URL != nil {
		line.URL = r.URL.String()
	}
	return line
}

// ReadBody reads r fully. When limit is positive a body longer than limit fails with
// ErrBodyTooLarge instead of being cut short.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// FromHTTP captures an incoming HTTP request. The body is read fully; maxBody bounds it
// when positive.
func FromHTTP(req *http.Request, maxBody int64) (Request, error) {
	out := Request{
		Method:            req.Method,
		URL:               requestURL(req),
		Header:            req.Header.Clone(),
		ClientID:          req.Header.Get(HeaderClientID),
		ResultingClientID: req.Header.Get(HeaderResultingClientID),
	}
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	data, err := ReadBody(req.Body, maxBody)
	if err != nil {
		return Request{}, err
	}
	out.Body = data
	return out, nil
}

// ToHTTP builds an outgoing request for the same method, headers and body against target.
func (r Request) ToHTTP(ctx context.Context, target *url.URL) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		if k == HeaderClientID || k == HeaderResultingClientID || hopByHop(k) {
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}

func requestURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/cenkalti/backoff/v5"
	"github.com/fogfish/opts"
)

const (
	DefaultMaxTries    uint  = 3
	DefaultMaxBodySize int64 = 32 << 20
)

// Client forwards requests outside the dynamic namespace to the network. With an origin
// configured the request's scheme and host are replaced by the origin's; otherwise the
// request URL is used as is.
type Client struct {
	http        *http.Client
	origin      *url.URL
	maxTries    uint
	maxBodySize int64
	logger      *slog.Logger
}

var (
	Origin      = opts.ForName[Client, *url.URL]("origin")
	HTTPClient  = opts.ForName[Client, *http.Client]("http")
	MaxTries    = opts.ForName[Client, uint]("maxTries")
	MaxBodySize = opts.ForName[Client, int64]("maxBodySize")
	Logger      = opts.ForName[Client, *slog.Logger]("logger")
)

func New(options ...opts.Option[Client]) (*Client, error) {
	c := &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		maxTries:    DefaultMaxTries,
		maxBodySize: DefaultMaxBodySize,
		logger:      slog.Default(),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	if c.maxTries == 0 {
		c.maxTries = 1
	}
	c.logger = c.logger.With(slogx.LoggerName("upstream"))
	return c, nil
}

// Fetch performs req. Transport errors are retried with exponential backoff; any HTTP
// response, whatever its status, is returned as is.
func (c *Client) Fetch(ctx context.Context, req wire.Request) (wire.Response, error) {
	if req.URL == nil {
		return wire.Response{}, fmt.Errorf("request has no url")
	}
	target := c.target(req.URL)

	attempt := 0
	op := func() (wire.Response, error) {
		attempt++
		hreq, err := req.ToHTTP(ctx, target)
		if err != nil {
			return wire.Response{}, backoff.Permanent(err)
		}
		res, err := c.http.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return wire.Response{}, backoff.Permanent(ctx.Err())
			}
			c.logger.DebugContext(ctx, "upstream attempt failed", slog.Int("attempt", attempt), slogx.Error(err))
			return wire.Response{}, err
		}
		defer res.Body.Close()

		body, err := wire.ReadBody(res.Body, c.maxBodySize)
		if errors.Is(err, wire.ErrBodyTooLarge) {
			return wire.Response{}, backoff.Permanent(err)
		}
		if err != nil {
			return wire.Response{}, err
		}
		return wire.Response{
			Status:     res.StatusCode,
			StatusText: statusText(res),
			Header:     res.Header,
			Body:       body,
		}, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to fetch %s: %w", target.Redacted(), err)
	}
	return resp, nil
}

func (c *Client) target(u *url.URL) *url.URL {
	out := *u
	if c.origin != nil {
		out.Scheme = c.origin.Scheme
		out.Host = c.origin.Host
		if prefix := strings.TrimSuffix(c.origin.Path, "/"); prefix != "" {
			out.Path = prefix + u.Path
			out.RawPath = ""
		}
	}
	return &out
}

// statusText strips the numeric code from a status line such as "200 OK".
func statusText(res *http.Response) string {
	if _, text, ok := strings.Cut(res.Status, " "); ok {
		return text
	}
	return http.StatusText(res.StatusCode)
}

package natsx

import (
	"os"

	"github.com/nats-io/nats.go"
)

// EnvURL names the environment variable NewClient reads the server URL from.
const EnvURL = "FETCHBROKER_NATS_URL"

// NewClient connects to the NATS server at url, falling back to $FETCHBROKER_NATS_URL and
// then to nats.DefaultURL. Without explicit options the connection is named "fetchbroker",
// compressed, and reconnects forever.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv(EnvURL)
	}
	if url == "" {
		url = nats.DefaultURL
	}
	if len(opts) == 0 {
		opts = append(opts, nats.Name("fetchbroker"), nats.Compression(true), nats.MaxReconnects(-1))
	}
	return nats.Connect(url, opts...)
}

/*
Package fetchbroker routes intercepted requests from client contexts (tabs, windows,
embedded views) to one of three places: a versioned response cache, the open network, or a
set of dynamically registered sources that answer requests under a reserved path prefix.

# Basic Usage

A broker needs a host that can enumerate the peers it can still reach. host.Tracker is the
implementation used by the transports in this module:

	tracker := host.NewTracker()
	b, err := fetchbroker.New(tracker,
		fetchbroker.WithVersion("1.4.0"),
		fetchbroker.WithGeneration("1.4.0"),
	)
	if err != nil {
		return err
	}
	go b.Run(ctx)

	hub := transport.Local(b, tracker)
	peer := hub.Connect(ctx, wire.Announce{Source: "ide", Version: "1.4.0"})
	go peer.Serve(ctx, answer)

	resp := b.HandleRequest(ctx, req)

# Routing

Requests under the dynamic namespace (/run/ by default) go to sources. A client that got a
200 from a source is bound to it and later requests go to that source only. An unbound
client's request is broadcast to every source: the first 200 wins, otherwise the first
reply in dispatch order is returned once every source has answered or vanished.

Everything else is served from the active cache generation when possible and fetched from
the network otherwise. Successful fetches of cacheable requests are stored.

# Liveness

Sources and clients that the host no longer lists are reaped: their registrations and
bindings are dropped, and the requests that can no longer be answered are resolved with
"Source Disappeared". Reaping runs on every registration, on departures reported by the
host, and periodically while requests are pending.

# Synthetic responses

The broker never fails a request. It answers with a 404 and one of these status texts:

  - No Sources: no source was registered when the request arrived
  - Source Disappeared: every candidate source vanished without replying
  - Fetch Failed: the network request failed
*/
package fetchbroker

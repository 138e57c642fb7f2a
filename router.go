package fetchbroker

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/casualjim/fetchbroker/internal/metrics"
	"github.com/casualjim/fetchbroker/internal/pending"
	"github.com/casualjim/fetchbroker/internal/registry"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

// Dynamic reports whether u belongs to the namespace answered by sources.
func (b *Broker) Dynamic(u *url.URL) bool {
	return u != nil && strings.HasPrefix(u.Path, b.namespace)
}

// HandleRequest answers an intercepted request. It never fails: problems are reported as
// synthetic 404 responses ("No Sources", "Source Disappeared", "Fetch Failed").
func (b *Broker) HandleRequest(ctx context.Context, req wire.Request) wire.Response {
	start := time.Now()
	if t, ok := b.host.(clientTracker); ok {
		for _, id := range []string{req.ClientID, req.ResultingClientID} {
			if id != "" {
				t.TouchClient(id)
			}
		}
	}

	route, resp := b.route(ctx, req)
	b.metrics.ObserveRequest(route, resp, time.Since(start))
	return resp
}

func (b *Broker) route(ctx context.Context, req wire.Request) (string, wire.Response) {
	if b.Dynamic(req.URL) {
		return metrics.RouteDynamic, b.dispatch(ctx, req)
	}

	if resp, ok := b.cache.Lookup(ctx, req); ok {
		b.metrics.CacheHit()
		return metrics.RouteCache, resp
	}
	if b.cache.Cacheable(req) {
		b.metrics.CacheMiss()
	}

	resp, err := b.upstream.Fetch(ctx, req)
	if err != nil {
		b.logger.WarnContext(ctx, "network fetch failed", slog.String("url", req.Line().URL), slogx.Error(err))
		return metrics.RouteNetwork, wire.FetchFailed()
	}
	if b.cache.Store(ctx, req, resp) {
		b.metrics.CacheStore()
	}
	return metrics.RouteNetwork, resp
}

// dispatch sends a dynamic request to the bound source, or to every source when the
// client is not bound, and waits for the winning reply.
func (b *Broker) dispatch(ctx context.Context, req wire.Request) wire.Response {
	if err := b.awaitReady(ctx); err != nil {
		return wire.NoSources()
	}
	defer b.holdClients(req)()

	var (
		seq     uint64
		future  *pending.Future
		mode    pending.Mode
		targets []registry.Source
	)
	err := b.exec(ctx, func() {
		targets, mode = b.targets(req.ClientID)
		if len(targets) == 0 {
			return
		}
		candidates := make([]pending.Candidate, len(targets))
		for i, src := range targets {
			candidates[i] = pending.Candidate{SourceID: src.ID, Epoch: src.Epoch}
		}
		seq, future = b.table.Reserve(mode, candidates, req.EffectiveClientID())
		b.updateGauges()
	})
	if err != nil {
		return wire.NoSources()
	}
	if len(targets) == 0 {
		b.logger.DebugContext(ctx, "no sources for request", slog.String("url", req.Line().URL))
		return wire.NoSources()
	}
	// a bound source may leave the host without a departure notice
	release := b.reaper.Hold()
	defer release()

	logger := b.logger.With(slogx.Seq(seq), slogx.ClientID(req.EffectiveClientID()))
	logger.DebugContext(ctx, "dispatching request",
		slog.String("mode", mode.String()),
		slog.String("url", req.Line().URL),
		slog.Int("candidates", len(targets)),
	)

	msg := wire.Fetch{Seq: seq, Version: b.version, Request: req.Line()}
	for _, src := range targets {
		if err := src.Channel.Send(ctx, msg); err != nil {
			logger.WarnContext(ctx, "failed to deliver request", slogx.SourceID(src.ID), slogx.Error(err))
			b.metrics.DeliveryFailed(mode.String())
			_ = b.exec(context.WithoutCancel(ctx), func() { b.deliveryFailed(seq, src.ID) })
		}
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		// the caller is gone; drop the entry so a late reply cannot bind anything
		_ = b.exec(context.WithoutCancel(ctx), func() {
			b.table.Resolve(seq, wire.SourceDisappeared())
			b.updateGauges()
		})
		return wire.SourceDisappeared()
	}
	return resp
}

// holdClients keeps the requesting contexts alive in the host while their caller waits.
func (b *Broker) holdClients(req wire.Request) func() {
	h, ok := b.host.(clientHolder)
	if !ok {
		return func() {}
	}
	var ids []string
	for _, id := range []string{req.ClientID, req.ResultingClientID} {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		h.Join(id)
	}
	return func() {
		for _, id := range ids {
			h.ReleaseClient(id)
		}
	}
}

// targets picks the sources for a request. Only an existing context (non-empty client id)
// can be bound; everything else is broadcast.
func (b *Broker) targets(clientID string) ([]registry.Source, pending.Mode) {
	bound, all := b.registry.ResolveCandidates(clientID)
	if bound != "" {
		if src, ok := b.registry.Source(bound); ok {
			return []registry.Source{src}, pending.Unicast
		}
	}
	out := make([]registry.Source, 0, len(all))
	for _, id := range all {
		if src, ok := b.registry.Source(id); ok {
			out = append(out, src)
		}
	}
	return out, pending.Broadcast
}

func (b *Broker) deliveryFailed(seq uint64, sourceID string) {
	e, ok := b.table.Get(seq)
	if !ok {
		return
	}
	e.MarkFailed(sourceID)
	if e.Mode == pending.Unicast && e.ClientID != "" {
		if bound, ok := b.registry.Binding(e.ClientID); ok && bound == sourceID {
			b.registry.RemoveBinding(e.ClientID)
		}
	}
	b.settle(e)
}

// settle resolves e once no candidate can reply anymore: with the first reply received in
// dispatch order, or "Source Disappeared" when there was none.
func (b *Broker) settle(e *pending.Entry) {
	if e.Outstanding(b.current) > 0 {
		return
	}
	resp, ok := e.Fallback()
	if !ok {
		resp = wire.SourceDisappeared()
	}
	b.table.Resolve(e.Seq, resp)
	b.updateGauges()
}

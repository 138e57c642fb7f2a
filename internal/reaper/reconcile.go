package reaper

import (
	"github.com/casualjim/fetchbroker/internal/pending"
	"github.com/casualjim/fetchbroker/internal/registry"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

// Set is the host's authoritative set of enumerable peer ids, sources and clients alike.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Result describes what a reconciliation changed.
type Result struct {
	SourcesRemoved  []string
	BindingsRemoved []string
	// Settled counts requests resolved with a reply already received from a candidate
	// once the remaining candidates vanished.
	Settled int
	// Failed counts requests resolved with a synthetic "Source Disappeared".
	Failed int
}

func (r Result) Empty() bool {
	return len(r.SourcesRemoved) == 0 && len(r.BindingsRemoved) == 0 && r.Settled == 0 && r.Failed == 0
}

// Reconcile prunes reg against live and resolves the pending requests that can no longer
// be answered. It must run on the goroutine that owns reg and tbl.
func Reconcile(reg *registry.Registry, tbl *pending.Table, live Set) Result {
	var res Result

	for _, id := range reg.SourceIDs() {
		if !live.Has(id) && reg.RemoveSource(id) {
			res.SourcesRemoved = append(res.SourcesRemoved, id)
		}
	}
	for clientID := range reg.Bindings() {
		if !live.Has(clientID) && reg.RemoveBinding(clientID) {
			res.BindingsRemoved = append(res.BindingsRemoved, clientID)
		}
	}

	current := func(c pending.Candidate) bool {
		return reg.Current(c.SourceID, c.Epoch)
	}
	clientGone := func(e *pending.Entry) bool {
		return e.ClientID != "" && !live.Has(e.ClientID)
	}

	type settlement struct {
		seq  uint64
		resp wire.Response
	}
	var settle []settlement
	tbl.Each(func(e *pending.Entry) bool {
		if clientGone(e) || e.Outstanding(current) > 0 {
			return true
		}
		if resp, ok := e.Fallback(); ok {
			settle = append(settle, settlement{seq: e.Seq, resp: resp})
		}
		return true
	})
	for _, s := range settle {
		if tbl.Resolve(s.seq, s.resp) {
			res.Settled++
		}
	}

	res.Failed = tbl.ResolveAllMatching(func(e *pending.Entry) bool {
		return clientGone(e) || e.Outstanding(current) == 0
	}, wire.SourceDisappeared())

	return res
}

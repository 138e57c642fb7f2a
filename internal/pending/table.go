package pending

import (
	"time"

	"github.com/casualjim/fetchbroker/pkg/wire"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Mode tells how a pending request was dispatched.
type Mode int

const (
	// Unicast requests went to the source bound to the client.
	Unicast Mode = iota
	// Broadcast requests went to every registered source.
	Broadcast
)

func (m Mode) String() string {
	if m == Broadcast {
		return "broadcast"
	}
	return "unicast"
}

// Candidate is a source a request was delivered to, pinned to the registration epoch that
// was current at dispatch time.
type Candidate struct {
	SourceID string
	Epoch    uint64
}

// Entry is one in-flight broker transaction.
type Entry struct {
	Seq        uint64
	Mode       Mode
	ClientID   string
	Candidates []Candidate
	CreatedAt  time.Time

	replies map[string]wire.Response
	failed  map[string]struct{}
	future  *Future
}

// Candidate returns the candidate entry for sourceID.
func (e *Entry) Candidate(sourceID string) (Candidate, bool) {
	for _, c := range e.Candidates {
		if c.SourceID == sourceID {
			return c, true
		}
	}
	return Candidate{}, false
}

// Record keeps the first reply of a candidate. Replies from unknown or already
// answered candidates are ignored.
func (e *Entry) Record(sourceID string, resp wire.Response) bool {
	if _, ok := e.Candidate(sourceID); !ok {
		return false
	}
	if _, seen := e.replies[sourceID]; seen {
		return false
	}
	e.replies[sourceID] = resp
	return true
}

// MarkFailed records that delivery to sourceID failed, so it will never reply.
func (e *Entry) MarkFailed(sourceID string) {
	if _, ok := e.Candidate(sourceID); ok {
		e.failed[sourceID] = struct{}{}
	}
}

// Outstanding counts candidates that may still reply: no reply yet, delivery did not
// fail and live reports them as still registered.
func (e *Entry) Outstanding(live func(Candidate) bool) int {
	n := 0
	for _, c := range e.Candidates {
		if _, replied := e.replies[c.SourceID]; replied {
			continue
		}
		if _, failed := e.failed[c.SourceID]; failed {
			continue
		}
		if live != nil && !live(c) {
			continue
		}
		n++
	}
	return n
}

// Fallback returns the first recorded reply in dispatch order.
func (e *Entry) Fallback() (wire.Response, bool) {
	for _, c := range e.Candidates {
		if resp, ok := e.replies[c.SourceID]; ok {
			return resp, true
		}
	}
	return wire.Response{}, false
}

func (e *Entry) Replies() int {
	return len(e.replies)
}

// Table tracks pending requests by sequence number, oldest first.
// It is not safe for concurrent use; the broker's executor owns it.
type Table struct {
	entries *orderedmap.OrderedMap[uint64, *Entry]
	next    uint64
	now     func() time.Time
}

func New() *Table {
	return &Table{
		entries: orderedmap.New[uint64, *Entry](),
		now:     time.Now,
	}
}

// Reserve allocates a fresh seq and stores the entry. The returned future completes when
// the entry is resolved.
func (t *Table) Reserve(mode Mode, candidates []Candidate, clientID string) (uint64, *Future) {
	t.next++
	e := &Entry{
		Seq:        t.next,
		Mode:       mode,
		ClientID:   clientID,
		Candidates: candidates,
		CreatedAt:  t.now(),
		replies:    make(map[string]wire.Response, len(candidates)),
		failed:     make(map[string]struct{}),
		future:     newFuture(),
	}
	t.entries.Set(e.Seq, e)
	return e.Seq, e.future
}

func (t *Table) Get(seq uint64) (*Entry, bool) {
	return t.entries.Get(seq)
}

// Resolve completes and removes seq. It returns false when seq is unknown, which happens
// for duplicate or late replies and is not an error.
func (t *Table) Resolve(seq uint64, resp wire.Response) bool {
	e, ok := t.entries.Delete(seq)
	if !ok {
		return false
	}
	return e.future.complete(resp)
}

// ResolveAllMatching resolves every entry for which match returns true with the given
// response and returns how many were resolved.
func (t *Table) ResolveAllMatching(match func(*Entry) bool, resp wire.Response) int {
	var seqs []uint64
	for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
		if match(pair.Value) {
			seqs = append(seqs, pair.Key)
		}
	}
	n := 0
	for _, seq := range seqs {
		if t.Resolve(seq, resp.Clone()) {
			n++
		}
	}
	return n
}

// Each calls fn for every pending entry, oldest first, until fn returns false.
// fn must not resolve entries; collect them and resolve afterwards.
func (t *Table) Each(fn func(*Entry) bool) {
	for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}

func (t *Table) Len() int {
	return t.entries.Len()
}

// Count returns the number of pending entries dispatched with mode.
func (t *Table) Count(mode Mode) int {
	n := 0
	t.Each(func(e *Entry) bool {
		if e.Mode == mode {
			n++
		}
		return true
	})
	return n
}

package fetchbroker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/casualjim/fetchbroker/internal/pending"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/wire"
)

type SourceStatus struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Version      string    `json:"version"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Status is a point-in-time snapshot of the broker.
type Status struct {
	Version    string            `json:"version"`
	Namespace  string            `json:"namespace"`
	Generation string            `json:"generation,omitempty"`
	Ready      bool              `json:"ready"`
	Sources    []SourceStatus    `json:"sources"`
	Bindings   map[string]string `json:"bindings"`
	Unicast    int               `json:"pendingUnicast"`
	Broadcast  int               `json:"pendingBroadcast"`
}

func (b *Broker) Status(ctx context.Context) (Status, error) {
	st := Status{
		Version:    b.version,
		Namespace:  b.namespace,
		Generation: b.cache.Generation(),
		Ready:      b.Ready(),
		Sources:    []SourceStatus{},
	}
	err := b.exec(ctx, func() {
		for _, src := range b.registry.Sources() {
			st.Sources = append(st.Sources, SourceStatus{
				ID:           src.ID,
				Name:         src.Name,
				Version:      src.Version,
				RegisteredAt: src.RegisteredAt,
			})
		}
		st.Bindings = b.registry.Bindings()
		st.Unicast = b.table.Count(pending.Unicast)
		st.Broadcast = b.table.Count(pending.Broadcast)
	})
	return st, err
}

// ServeHTTP answers an intercepted HTTP request. The client ids travel in the
// X-Fetch-Client-Id and X-Fetch-Resulting-Client-Id headers.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := wire.FromHTTP(r, b.maxBodySize)
	if errors.Is(err, wire.ErrBodyTooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	resp := b.HandleRequest(r.Context(), req)
	if err := resp.Write(w); err != nil {
		b.logger.DebugContext(r.Context(), "failed to write response", slogx.Error(err))
	}
}

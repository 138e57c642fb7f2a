package wire

import (
	"net/http"
	"slices"
	"strings"
)

// Status texts of the synthetic responses the broker produces on its own.
const (
	StatusTextNoSources         = "No Sources"
	StatusTextSourceDisappeared = "Source Disappeared"
	StatusTextFetchFailed       = "Fetch Failed"
)

// Response is an HTTP-shaped response descriptor. It is what sources reply with, what the
// cache stores and what the broker returns to callers.
type Response struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// NotFound builds a synthetic 404 with a distinguishing status text.
func NotFound(statusText string) Response {
	return Response{Status: http.StatusNotFound, StatusText: statusText}
}

func NoSources() Response         { return NotFound(StatusTextNoSources) }
func SourceDisappeared() Response { return NotFound(StatusTextSourceDisappeared) }
func FetchFailed() Response       { return NotFound(StatusTextFetchFailed) }

// Synthetic reports whether r is one of the broker's own 404 responses.
func (r Response) Synthetic() bool {
	if r.Status != http.StatusNotFound {
		return false
	}
	switch r.StatusText {
	case StatusTextNoSources, StatusTextSourceDisappeared, StatusTextFetchFailed:
		return true
	}
	return false
}

// Clone returns a deep copy so cached responses are never aliased by callers.
func (r Response) Clone() Response {
	out := r
	if r.Header != nil {
		out.Header = make(http.Header, len(r.Header))
		for k, v := range r.Header {
			out.Header[k] = slices.Clone(v)
		}
	}
	out.Body = slices.Clone(r.Body)
	return out
}

// Write copies the response onto w. The status text travels in a header because
// net/http does not let handlers choose the reason phrase. Framing headers are left to
// net/http: the body written is r.Body, whatever length the origin announced.
func (r Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for k, v := range r.Header {
		if hopByHop(k) || http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		h[k] = slices.Clone(v)
	}
	if r.StatusText != "" && r.StatusText != http.StatusText(r.Status) {
		h.Set(HeaderStatusText, r.StatusText)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// HeaderStatusText carries a non-standard status text to HTTP callers.
const HeaderStatusText = "X-Fetch-Status-Text"

// hopByHop reports whether the header applies to a single connection only.
func hopByHop(name string) bool {
	switch http.CanonicalHeaderKey(strings.TrimSpace(name)) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

package gateway

import (
	"net/http"
	"time"

	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
)

// HTTPClient returns a Doer for SDK clients that build and sign their own
// requests. It sends through next, or the gateway's transport when next is
// nil, and emits the same wire and network events as Do but leaves
// authorization, body encoding and retries to the SDK. Listing requests
// (those carrying a list-type or delimiter query) are tagged as folder
// operations.
func (g *Gateway) HTTPClient(next Doer) Doer {
	if next == nil {
		next = g.transport
	}
	return doerFunc(func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		isFolder := q.Has("list-type") || q.Has("delimiter")

		g.emitter.Emit(events.Event{Name: events.WireBusy, Method: req.Method, IsFolder: isFolder})
		start := time.Now()

		resp, err := next.Do(req)
		success := err == nil
		switch {
		case err != nil:
			g.setOnline(false)
		case resp.StatusCode == http.StatusServiceUnavailable:
			g.setOnline(false)
			metrics.RecordWireRetry()
		default:
			g.setOnline(true)
		}

		metrics.RecordWireRequest(req.Method, isFolder, success, time.Since(start))
		g.emitter.Emit(events.Event{Name: events.WireDone, Method: req.Method, IsFolder: isFolder, Success: success})

		if success && resp.StatusCode == http.StatusUnauthorized {
			g.unauthorized(&Request{Method: req.Method, URL: req.URL.String()})
		}
		return resp, err
	})
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Package gateway wraps every request sent to a remote storage service with
// authorization, JSON bodies, wire activity events and online/offline
// tracking.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/retry"
)

// DefaultRetryDelay is the wait between resubmissions after a 503.
const DefaultRetryDelay = 3210 * time.Millisecond

// ErrUnauthorized is carried by the error event emitted on a 401 response.
var ErrUnauthorized = errors.New("unauthorized")

var errUnavailable = errors.New("service unavailable")

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportError reports a request that never produced an HTTP response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport failure, including timeouts.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Request describes one call. Body may be nil, []byte, string, an io.Reader
// or any value encodable as JSON.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     any
	IsFolder bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config holds gateway configuration.
type Config struct {
	Transport      Doer          // defaults to an *http.Client with Timeout
	Timeout        time.Duration // per round-trip, default 30s
	RetryDelay     time.Duration // wait after a 503, default DefaultRetryDelay
	Emitter        *events.Emitter
	Token          string
	OnUnauthorized func()
}

// Gateway sends requests for one adapter instance.
type Gateway struct {
	transport      Doer
	retryDelay     time.Duration
	emitter        *events.Emitter
	onUnauthorized func()
	log            *zap.Logger

	mu     sync.RWMutex
	online bool
	token  string
}

// New creates a gateway. It starts online.
func New(cfg Config) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.New()
	}
	metrics.SetNetworkOnline(true)
	return &Gateway{
		transport:      cfg.Transport,
		retryDelay:     cfg.RetryDelay,
		emitter:        cfg.Emitter,
		onUnauthorized: cfg.OnUnauthorized,
		log:            logging.Named("gateway"),
		online:         true,
		token:          cfg.Token,
	}
}

// SetToken sets the bearer token for requests.
func (g *Gateway) SetToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = token
}

// Token returns the bearer token.
func (g *Gateway) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// SetUnauthorizedHook sets the function invoked on a 401 response.
func (g *Gateway) SetUnauthorizedHook(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnauthorized = fn
}

// Online reports whether the last round-trip reached the service.
func (g *Gateway) Online() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online
}

// Emitter returns the emitter receiving wire and network events.
func (g *Gateway) Emitter() *events.Emitter {
	return g.emitter
}

// setOnline records reachability and emits an event only on an edge.
func (g *Gateway) setOnline(online bool) {
	g.mu.Lock()
	changed := g.online != online
	g.online = online
	g.mu.Unlock()
	if !changed {
		return
	}
	metrics.SetNetworkOnline(online)
	if online {
		g.log.Info("Remote is back online")
		g.emitter.Emit(events.Event{Name: events.NetworkOnline})
	} else {
		g.log.Warn("Remote is offline")
		g.emitter.Emit(events.Event{Name: events.NetworkOffline})
	}
}

func (g *Gateway) applyAuth(req *http.Request) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

// Do sends r. A transport failure is returned as a *TransportError. HTTP
// error statuses are returned as responses; 503 responses are resubmitted
// after the retry delay until another status arrives or ctx ends.
func (g *Gateway) Do(ctx context.Context, r *Request) (*Response, error) {
	payload, contentType, err := encodeBody(r.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", r.Method, r.URL, err)
	}
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if contentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType)
	}

	g.emitter.Emit(events.Event{Name: events.WireBusy, Method: r.Method, IsFolder: r.IsFolder})
	start := time.Now()

	resp, err := retry.DoWithResult(ctx, retry.Fixed(g.retryDelay), func() (*Response, error) {
		resp, err := g.roundTrip(ctx, r.Method, r.URL, header, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			g.setOnline(false)
			metrics.RecordWireRetry()
			g.log.Debug("Resubmitting after 503",
				zap.String("method", r.Method),
				zap.String("url", r.URL),
				zap.Duration("delay", g.retryDelay))
			return resp, retry.Retryable(errUnavailable)
		}
		return resp, nil
	})

	success := err == nil
	switch {
	case err == nil:
		g.setOnline(true)
	case IsTransport(err):
		g.setOnline(false)
	}
	metrics.RecordWireRequest(r.Method, r.IsFolder, success, time.Since(start))
	g.emitter.Emit(events.Event{Name: events.WireDone, Method: r.Method, IsFolder: r.IsFolder, Success: success})

	if err != nil {
		if !IsTransport(err) {
			err = fmt.Errorf("%s %s: %w", r.Method, r.URL, err)
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		g.unauthorized(r)
	}
	return resp, nil
}

func (g *Gateway) unauthorized(r *Request) {
	g.log.Warn("Remote rejected the token",
		zap.String("method", r.Method),
		zap.String("url", r.URL))
	g.mu.RLock()
	hook := g.onUnauthorized
	g.mu.RUnlock()
	g.emitter.Emit(events.Event{Name: events.Error, Err: ErrUnauthorized})
	if hook != nil {
		hook()
	}
}

func (g *Gateway) roundTrip(ctx context.Context, method, url string, header http.Header, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	g.applyAuth(req)

	resp, err := g.transport.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// encodeBody turns a request body into bytes. Structured values are encoded
// as JSON and report their content type.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		return data, "", err
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

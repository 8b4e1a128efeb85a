// Package remotestorage is the client entry point: it loads the configured
// features, binds the chosen local store and remote into a dispatcher and
// reports readiness once the remote settles its connection state.
package remotestorage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/pkg/dispatch"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/features"
	"github.com/fruitsalade/remotesync/pkg/store"
)

// ErrNotLoaded is returned by operations before features finished loading.
var ErrNotLoaded = errors.New("remotestorage: features not loaded")

// Storage is a loaded client.
type Storage struct {
	emitter *events.Emitter
	loader  *features.Loader
	log     *zap.Logger

	mu     sync.RWMutex
	disp   *dispatch.Dispatcher
	result features.Result

	readyOnce sync.Once
	ready     chan struct{}
}

// New registers feats with a loader. Registration order is preference
// order. A nil emitter gets a private one.
func New(env features.Environment, emitter *events.Emitter, feats ...features.Feature) *Storage {
	if emitter == nil {
		emitter = events.New()
	}
	s := &Storage{
		emitter: emitter,
		loader:  features.New(env, emitter),
		log:     logging.Named("storage"),
		ready:   make(chan struct{}),
	}
	for _, f := range feats {
		s.loader.Register(f)
	}
	s.loader.OnLoaded(s.compose)
	return s
}

// Load initializes every feature and composes the dispatcher.
func (s *Storage) Load(ctx context.Context) error {
	_, err := s.loader.Load(ctx)
	return err
}

func (s *Storage) compose(res features.Result) {
	d := dispatch.New(res.Local, res.Remote, s.emitter)
	s.mu.Lock()
	s.disp = d
	s.result = res
	s.mu.Unlock()

	if res.Remote == nil {
		s.markReady()
		return
	}
	res.Remote.On(events.Connected, func(events.Event) { s.markReady() })
	res.Remote.On(events.NotConnected, func(events.Event) { s.markReady() })
	if res.Remote.Connected() {
		s.markReady()
	}
}

func (s *Storage) markReady() {
	s.readyOnce.Do(func() {
		s.log.Info("Ready")
		close(s.ready)
		s.emitter.Emit(events.Event{Name: events.Ready})
	})
}

// Ready is closed once the remote connected or stopped waiting for a token.
func (s *Storage) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until Ready is closed or ctx ends.
func (s *Storage) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers h on the client's event bus.
func (s *Storage) On(name string, h events.Handler) events.Subscription {
	return s.emitter.On(name, h)
}

// Emitter returns the client's event bus.
func (s *Storage) Emitter() *events.Emitter {
	return s.emitter
}

func (s *Storage) dispatcher() (*dispatch.Dispatcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disp == nil {
		return nil, ErrNotLoaded
	}
	return s.disp, nil
}

// Get reads path.
func (s *Storage) Get(ctx context.Context, path string, opts store.GetOptions) (*store.Item, error) {
	d, err := s.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, path, opts)
}

// Put writes path.
func (s *Storage) Put(ctx context.Context, path string, body []byte, contentType string, opts store.PutOptions) (*store.Item, error) {
	d, err := s.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Put(ctx, path, body, contentType, opts)
}

// Delete deletes path.
func (s *Storage) Delete(ctx context.Context, path string, opts store.DeleteOptions) (*store.Item, error) {
	d, err := s.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Delete(ctx, path, opts)
}

// Sync runs one sync cycle.
func (s *Storage) Sync(ctx context.Context) (dispatch.Stats, error) {
	d, err := s.dispatcher()
	if err != nil {
		return dispatch.Stats{}, err
	}
	return d.Sync(ctx)
}

// Run syncs every interval until ctx ends.
func (s *Storage) Run(ctx context.Context, interval time.Duration) error {
	d, err := s.dispatcher()
	if err != nil {
		return err
	}
	return d.Run(ctx, interval)
}

// Result returns the modules chosen by the loader.
func (s *Storage) Result() features.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// States returns the lifecycle state of every feature.
func (s *Storage) States() map[string]features.State {
	return s.loader.States()
}

// FeatureErr returns why the feature called name failed, if it did.
func (s *Storage) FeatureErr(name string) error {
	return s.loader.Err(name)
}

// Remote returns the bound remote, or nil.
func (s *Storage) Remote() store.Remote {
	return s.Result().Remote
}

// Connect connects the remote when it supports connecting explicitly.
func (s *Storage) Connect(ctx context.Context) error {
	remote := s.Remote()
	if remote == nil {
		return ErrNotLoaded
	}
	if c, ok := remote.(interface{ Connect(context.Context) error }); ok {
		return c.Connect(ctx)
	}
	return nil
}

// Disconnect drops the remote's credentials and cached state.
func (s *Storage) Disconnect() {
	if d, ok := s.Remote().(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
}

// StopWaitingForToken releases readiness when the remote holds no token.
func (s *Storage) StopWaitingForToken() {
	if remote := s.Remote(); remote != nil {
		remote.StopWaitingForToken()
		return
	}
	s.markReady()
}

// Close releases every initialized feature.
func (s *Storage) Close(ctx context.Context) error {
	return s.loader.Close(ctx)
}

// Package features probes the optional modules of a client, initializes the
// usable ones and reports, once, when every module has settled.
package features

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/store"
)

// ErrStarted is returned by Load when loading already started.
var ErrStarted = errors.New("features: load already started")

// State is the lifecycle state of one feature.
type State int

// Feature states. Unsupported, Initialized and Failed are terminal.
const (
	Pending State = iota
	SupportChecking
	Unsupported
	Initializing
	Initialized
	Failed
)

var stateNames = []string{"pending", "support-checking", "unsupported", "initializing", "initialized", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == Unsupported || s == Initialized || s == Failed
}

// Environment describes the capabilities of the process the features run
// in. It is passed to every support check.
type Environment struct {
	// PersistentStorage is false when nothing written locally survives the
	// process, e.g. a read-only or ephemeral filesystem.
	PersistentStorage bool
	// Disabled names features that settle as unsupported without probing.
	Disabled []string
}

// Enabled reports whether the feature called name may be probed.
func (e Environment) Enabled(name string) bool {
	return !slices.Contains(e.Disabled, name)
}

// Feature is an optional module with a three-phase lifecycle. Supported and
// Init may block; the loader runs each feature on its own goroutine.
type Feature interface {
	Name() string
	Supported(ctx context.Context, env Environment) bool
	Init(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// LocalFeature is a feature providing a local store.
type LocalFeature interface {
	Feature
	Local() *store.Local
}

// RemoteFeature is a feature providing a remote adapter.
type RemoteFeature interface {
	Feature
	Remote() store.Remote
}

// Result is the module set chosen once every feature settled. Either field
// may be nil.
type Result struct {
	Local       *store.Local
	LocalName   string
	Remote      store.Remote
	RemoteName  string
	Initialized []string
}

type entry struct {
	f     Feature
	state State
	err   error
}

// Loader runs features through their lifecycle. Registration order is
// preference order: the first initialized local and remote features win.
type Loader struct {
	env     Environment
	emitter *events.Emitter
	log     *zap.Logger

	mu        sync.Mutex
	entries   []*entry
	started   bool
	settled   int
	loaded    bool
	result    Result
	listeners []func(Result)
	done      chan struct{}
}

// New creates a loader. A nil emitter gets a private one.
func New(env Environment, emitter *events.Emitter) *Loader {
	if emitter == nil {
		emitter = events.New()
	}
	return &Loader{
		env:     env,
		emitter: emitter,
		log:     logging.Named("features"),
		done:    make(chan struct{}),
	}
}

// Register adds f. Features registered after Load are ignored.
func (l *Loader) Register(f Feature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		l.log.Warn("Feature registered after load started", zap.String("feature", f.Name()))
		return
	}
	l.entries = append(l.entries, &entry{f: f})
	metrics.SetFeatureState(f.Name(), Pending.String(), stateNames)
}

// OnLoaded registers fn to run once every feature settled. When loading is
// already complete fn runs immediately.
func (l *Loader) OnLoaded(fn func(Result)) {
	l.mu.Lock()
	if !l.loaded {
		l.listeners = append(l.listeners, fn)
		l.mu.Unlock()
		return
	}
	res := l.result
	l.mu.Unlock()
	l.notify("listener", func() { fn(res) })
}

// Load probes and initializes every registered feature concurrently and
// returns the chosen module set once all of them settled.
func (l *Loader) Load(ctx context.Context) (Result, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return Result{}, ErrStarted
	}
	l.started = true
	entries := slices.Clone(l.entries)
	l.mu.Unlock()

	if len(entries) == 0 {
		l.finish()
		return l.Result(), nil
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.run(ctx, e)
		}()
	}
	wg.Wait()
	<-l.done
	return l.Result(), nil
}

func (l *Loader) run(ctx context.Context, e *entry) {
	name := e.f.Name()
	if !l.env.Enabled(name) {
		l.settle(e, Unsupported, nil)
		return
	}

	l.transition(e, SupportChecking, nil)
	supported, err := guard(func() (bool, error) { return e.f.Supported(ctx, l.env), nil })
	if err != nil {
		l.settle(e, Failed, err)
		return
	}
	if !supported {
		l.settle(e, Unsupported, nil)
		return
	}

	l.transition(e, Initializing, nil)
	_, err = guard(func() (struct{}, error) { return struct{}{}, e.f.Init(ctx) })
	if err != nil {
		l.settle(e, Failed, err)
		return
	}
	l.settle(e, Initialized, nil)
}

// guard runs fn, turning a panic into an error.
func guard[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (l *Loader) transition(e *entry, s State, err error) {
	l.mu.Lock()
	e.state = s
	e.err = err
	l.mu.Unlock()

	name := e.f.Name()
	metrics.SetFeatureState(name, s.String(), stateNames)
	switch s {
	case Unsupported:
		l.log.Info("Feature unsupported", zap.String("feature", name))
	case Initialized:
		l.log.Info("Feature initialized", zap.String("feature", name))
	case Failed:
		l.log.Warn("Feature failed", zap.String("feature", name), zap.Error(err))
	default:
		l.log.Debug("Feature state", zap.String("feature", name), zap.Stringer("state", s))
	}
}

// settle moves e to a terminal state and counts it. The last one to settle
// finishes the batch.
func (l *Loader) settle(e *entry, s State, err error) {
	l.transition(e, s, err)
	l.mu.Lock()
	l.settled++
	last := l.settled == len(l.entries)
	l.mu.Unlock()
	if last {
		l.finish()
	}
}

func (l *Loader) finish() {
	l.mu.Lock()
	res := l.compose()
	l.result = res
	l.mu.Unlock()
	l.log.Info("Features loaded",
		zap.String("local", res.LocalName),
		zap.String("remote", res.RemoteName),
		zap.Strings("initialized", res.Initialized))
	l.fire()
}

// compose picks the modules. Called with l.mu held.
func (l *Loader) compose() Result {
	var res Result
	for _, e := range l.entries {
		if e.state != Initialized {
			continue
		}
		res.Initialized = append(res.Initialized, e.f.Name())
		if lf, ok := e.f.(LocalFeature); ok && res.Local == nil {
			res.Local, res.LocalName = lf.Local(), lf.Name()
		}
		if rf, ok := e.f.(RemoteFeature); ok && res.Remote == nil {
			res.Remote, res.RemoteName = rf.Remote(), rf.Name()
		}
	}
	return res
}

// fire delivers the loaded notification. Only the first call has an effect.
func (l *Loader) fire() {
	l.mu.Lock()
	if l.loaded {
		l.mu.Unlock()
		return
	}
	l.loaded = true
	res := l.result
	listeners := l.listeners
	l.listeners = nil
	l.mu.Unlock()
	defer close(l.done)

	l.notify("event", func() { l.emitter.Emit(events.Event{Name: events.FeaturesLoaded}) })
	for _, fn := range listeners {
		l.notify("listener", func() { fn(res) })
	}
}

// notify runs a loaded listener. A panic is reported on the error event and
// leaves the loaded state as it is.
func (l *Loader) notify(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("features-loaded %s panicked: %v", kind, r)
			l.log.Error("Loaded listener failed", zap.Error(err))
			l.emitter.Emit(events.Event{Name: events.Error, Err: err})
		}
	}()
	fn()
}

// Done is closed once loading completed.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Loaded reports whether every feature settled.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Result returns the chosen module set, empty until loading completed.
func (l *Loader) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// State returns the state of the feature called name.
func (l *Loader) State(name string) (State, bool) {
	e := l.lookup(name)
	if e == nil {
		return Pending, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.state, true
}

// Err returns why the feature called name failed, if it did.
func (l *Loader) Err(name string) error {
	e := l.lookup(name)
	if e == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.err
}

func (l *Loader) lookup(name string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.f.Name() == name {
			return e
		}
	}
	return nil
}

// States returns the state of every registered feature.
func (l *Loader) States() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]State, len(l.entries))
	for _, e := range l.entries {
		out[e.f.Name()] = e.state
	}
	return out
}

// Close runs Cleanup on every initialized feature, in reverse registration
// order.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	var initialized []Feature
	for _, e := range l.entries {
		if e.state == Initialized {
			initialized = append(initialized, e.f)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, f := range slices.Backward(initialized) {
		if err := f.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", f.Name(), err))
		}
	}
	return errors.Join(errs...)
}

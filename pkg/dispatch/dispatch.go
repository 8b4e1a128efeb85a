// Package dispatch binds the modules a client ended up with into one
// get-put-delete surface.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/store"
)

var (
	// ErrNoBackend is returned when neither a local store nor a remote is bound.
	ErrNoBackend = errors.New("dispatch: no storage backend")
	// ErrNoSync is returned by Sync and Run on a dispatcher without a sync cycle.
	ErrNoSync = errors.New("dispatch: no sync cycle")
)

// Dispatcher routes operations to the target of record. With a local store
// that is the local store and a Syncer reconciles it with the remote;
// without one it is the remote itself. To use a different remote, build a
// new Dispatcher.
type Dispatcher struct {
	target store.GPD
	local  *store.Local
	remote store.Remote
	syncer *Syncer
}

// New composes local and remote. Either may be nil.
func New(local *store.Local, remote store.Remote, emitter *events.Emitter) *Dispatcher {
	d := &Dispatcher{local: local, remote: remote}
	switch {
	case local != nil:
		d.target = local
		if remote != nil {
			d.syncer = NewSyncer(local, remote, emitter)
		}
	case remote != nil:
		d.target = remote
	}
	return d
}

// Get reads from the target of record.
func (d *Dispatcher) Get(ctx context.Context, path string, opts store.GetOptions) (*store.Item, error) {
	if d.target == nil {
		return nil, ErrNoBackend
	}
	return d.target.Get(ctx, path, opts)
}

// Put writes to the target of record.
func (d *Dispatcher) Put(ctx context.Context, path string, body []byte, contentType string, opts store.PutOptions) (*store.Item, error) {
	if d.target == nil {
		return nil, ErrNoBackend
	}
	return d.target.Put(ctx, path, body, contentType, opts)
}

// Delete deletes from the target of record.
func (d *Dispatcher) Delete(ctx context.Context, path string, opts store.DeleteOptions) (*store.Item, error) {
	if d.target == nil {
		return nil, ErrNoBackend
	}
	return d.target.Delete(ctx, path, opts)
}

// Local returns the bound local store, or nil.
func (d *Dispatcher) Local() *store.Local { return d.local }

// Remote returns the bound remote, or nil.
func (d *Dispatcher) Remote() store.Remote { return d.remote }

// Syncer returns the sync cycle, or nil when operations go to the remote
// directly.
func (d *Dispatcher) Syncer() *Syncer { return d.syncer }

// Sync runs one sync cycle.
func (d *Dispatcher) Sync(ctx context.Context) (Stats, error) {
	if d.syncer == nil {
		return Stats{}, ErrNoSync
	}
	return d.syncer.Sync(ctx)
}

// Run syncs every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if d.syncer == nil {
		return ErrNoSync
	}
	d.syncer.Run(ctx, interval)
	return nil
}

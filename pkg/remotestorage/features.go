package remotestorage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/config"
	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/pkg/dropbox"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/features"
	"github.com/fruitsalade/remotesync/pkg/s3remote"
	"github.com/fruitsalade/remotesync/pkg/settings"
	"github.com/fruitsalade/remotesync/pkg/store"
	"github.com/fruitsalade/remotesync/pkg/store/badgerstore"
	"github.com/fruitsalade/remotesync/pkg/store/logstore"
	"github.com/fruitsalade/remotesync/pkg/store/memory"
	"github.com/fruitsalade/remotesync/pkg/store/pgstore"
)

// Feature names.
const (
	MemoryName   = "memory"
	LogName      = "log"
	BadgerName   = "badger"
	PostgresName = "postgres"
	DropboxName  = "dropbox"
	S3Name       = "s3"
)

// LocalStore is a feature providing a local store over a Records backend.
type LocalStore struct {
	name       string
	persistent bool
	supported  func() bool
	open       func(ctx context.Context) (store.Records, error)
	compact    func() error

	local *store.Local
}

// MemoryFeature keeps records in process memory. It is always supported.
func MemoryFeature() *LocalStore {
	return &LocalStore{
		name: MemoryName,
		open: func(context.Context) (store.Records, error) { return memory.New(), nil },
	}
}

// LogFeature keeps records in an append-only log file on fs. The log is
// compacted on cleanup.
func LogFeature(fs afero.Fs, path string) *LocalStore {
	f := &LocalStore{name: LogName, persistent: true}
	f.open = func(context.Context) (store.Records, error) {
		if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		s, err := logstore.Open(fs, path)
		if err != nil {
			return nil, err
		}
		f.compact = s.Compact
		return s, nil
	}
	return f
}

// BadgerFeature keeps records in a BadgerDB directory. An empty dir keeps
// the database in memory.
func BadgerFeature(dir string) *LocalStore {
	return &LocalStore{
		name:       BadgerName,
		persistent: true,
		open: func(context.Context) (store.Records, error) {
			return badgerstore.Open(badgerstore.Config{Dir: dir})
		},
	}
}

// PostgresFeature keeps records in PostgreSQL. It is unsupported without a
// database URL.
func PostgresFeature(databaseURL string) *LocalStore {
	return &LocalStore{
		name:      PostgresName,
		supported: func() bool { return databaseURL != "" },
		open: func(ctx context.Context) (store.Records, error) {
			return pgstore.New(ctx, databaseURL)
		},
	}
}

func (f *LocalStore) Name() string { return f.name }

func (f *LocalStore) Supported(ctx context.Context, env features.Environment) bool {
	if f.persistent && !env.PersistentStorage {
		return false
	}
	return f.supported == nil || f.supported()
}

func (f *LocalStore) Init(ctx context.Context) error {
	recs, err := f.open(ctx)
	if err != nil {
		return err
	}
	f.local = store.NewLocal(recs)
	return nil
}

func (f *LocalStore) Cleanup(ctx context.Context) error {
	if f.local == nil {
		return nil
	}
	if f.compact != nil {
		if err := f.compact(); err != nil {
			logging.Warn("Log compaction failed", zap.String("feature", f.name), zap.Error(err))
		}
	}
	return f.local.Close()
}

// Local returns the store, nil before Init.
func (f *LocalStore) Local() *store.Local { return f.local }

// DropboxRemote is a feature providing the Dropbox adapter.
type DropboxRemote struct {
	cfg     dropbox.Config
	adapter *dropbox.Adapter
}

// DropboxFeature configures a Dropbox remote.
func DropboxFeature(cfg dropbox.Config) *DropboxRemote {
	return &DropboxRemote{cfg: cfg}
}

func (f *DropboxRemote) Name() string { return DropboxName }

func (f *DropboxRemote) Supported(ctx context.Context, env features.Environment) bool { return true }

// Init creates the adapter and connects when a usable token is held. A
// failed connection leaves the adapter disconnected rather than failing the
// feature, so the client can still log in.
func (f *DropboxRemote) Init(ctx context.Context) error {
	f.adapter = dropbox.New(f.cfg)
	if err := f.adapter.Connect(ctx); err != nil {
		logging.Warn("Dropbox connect failed", zap.Error(err))
	}
	return nil
}

func (f *DropboxRemote) Cleanup(ctx context.Context) error {
	f.adapter.Close()
	return nil
}

func (f *DropboxRemote) Remote() store.Remote { return f.adapter }

// Adapter returns the Dropbox adapter, nil before Init.
func (f *DropboxRemote) Adapter() *dropbox.Adapter { return f.adapter }

// S3Remote is a feature providing the S3 adapter.
type S3Remote struct {
	cfg     s3remote.Config
	adapter *s3remote.Adapter
}

// S3Feature configures an S3 remote.
func S3Feature(cfg s3remote.Config) *S3Remote {
	return &S3Remote{cfg: cfg}
}

func (f *S3Remote) Name() string { return S3Name }

func (f *S3Remote) Supported(ctx context.Context, env features.Environment) bool {
	return f.cfg.Bucket != ""
}

func (f *S3Remote) Init(ctx context.Context) error {
	a, err := s3remote.New(ctx, f.cfg)
	if err != nil {
		return err
	}
	if err := a.Connect(ctx); err != nil {
		return err
	}
	f.adapter = a
	return nil
}

func (f *S3Remote) Cleanup(ctx context.Context) error { return nil }

func (f *S3Remote) Remote() store.Remote { return f.adapter }

// FromConfig builds the feature list for cfg in preference order: local
// stores first, then the configured remote.
func FromConfig(cfg *config.Config, fs afero.Fs, st settings.Store, emitter *events.Emitter) ([]features.Feature, error) {
	var out []features.Feature
	switch cfg.Local.Type {
	case "auto":
		out = append(out, BadgerFeature(cfg.Local.Path), MemoryFeature())
	case MemoryName:
		out = append(out, MemoryFeature())
	case LogName:
		out = append(out, LogFeature(fs, cfg.Local.Path))
	case BadgerName:
		out = append(out, BadgerFeature(cfg.Local.Path))
	case PostgresName:
		out = append(out, PostgresFeature(cfg.Local.DatabaseURL))
	case "none":
	default:
		return nil, fmt.Errorf("unknown local store type %q", cfg.Local.Type)
	}

	switch cfg.Backend {
	case DropboxName:
		out = append(out, DropboxFeature(dropbox.Config{
			Token:       cfg.Dropbox.Token,
			UserAddress: cfg.Dropbox.UserAddress,
			RootPath:    cfg.Dropbox.RootPath,
			APIURL:      cfg.Dropbox.APIURL,
			ContentURL:  cfg.Dropbox.ContentURL,
			RetryDelay:  cfg.Dropbox.RetryDelay,
			Timeout:     cfg.Dropbox.Timeout,
			Settings:    st,
			Emitter:     emitter,
		}))
	case S3Name:
		out = append(out, S3Feature(s3remote.Config{
			Endpoint:     cfg.S3.Endpoint,
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			Prefix:       cfg.S3.Prefix,
			CreateBucket: cfg.S3.CreateBucket,
			Emitter:      emitter,
		}))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return out, nil
}

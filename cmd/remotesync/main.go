// remotesync keeps a local document store in sync with a Dropbox or S3
// remote.
//
// Sub-commands:
//
//	remotesync get <path>            Print a document or folder listing
//	remotesync put <path> [file]     Store a document from a file or stdin
//	remotesync rm <path>             Delete a document
//	remotesync ls [folder]           List a folder
//	remotesync sync [--interval d]   Reconcile local and remote, once or periodically (--watch prints events)
//	remotesync status                Show features and connection state
//	remotesync login                 Save a Dropbox access token
//	remotesync logout                Forget saved credentials
//	remotesync link <path>           Print the public link of a /public/ document
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/config"
	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/features"
	"github.com/fruitsalade/remotesync/pkg/remotestorage"
	"github.com/fruitsalade/remotesync/pkg/settings"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every sub-command shares.
type app struct {
	configPath string
	v          *viper.Viper
	cfg        *config.Config
	fs         afero.Fs
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), fs: afero.NewOsFs()}

	cmd := &cobra.Command{
		Use:           "remotesync",
		Short:         "Sync a local document store with a Dropbox or S3 remote",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default "+filepath.Join(config.Dir(), "config.yaml")+")")
	flags.String("backend", "", "remote backend: dropbox or s3")
	flags.String("local", "", "local store: auto, memory, log, badger, postgres or none")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("state", "", "settings file holding credentials and links")
	_ = a.v.BindPFlag("backend", flags.Lookup("backend"))
	_ = a.v.BindPFlag("local.type", flags.Lookup("local"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("state_path", flags.Lookup("state"))

	cmd.AddCommand(
		newGetCmd(a),
		newPutCmd(a),
		newRmCmd(a),
		newLsCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newLinkCmd(a),
	)
	return cmd
}

func (a *app) loadConfig() error {
	cfg, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

// open loads the client and settles its connection state. Commands that
// need no remote still get one; it stays disconnected without credentials.
func (a *app) open(ctx context.Context) (*remotestorage.Storage, error) {
	if err := a.fs.MkdirAll(filepath.Dir(a.cfg.StatePath), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	st := settings.NewFile(a.fs, a.cfg.StatePath)
	em := events.New()
	em.On(events.Error, func(e events.Event) {
		logging.Warn("Remote error", zap.Error(e.Err))
	})
	em.On(events.Conflict, func(e events.Event) {
		fmt.Fprintf(os.Stderr, "conflict: %s replaced by the remote version\n", e.Path)
	})

	feats, err := remotestorage.FromConfig(a.cfg, a.fs, st, em)
	if err != nil {
		return nil, err
	}
	s := remotestorage.New(features.Environment{PersistentStorage: true}, em, feats...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	if s.Remote() == nil {
		name := a.cfg.Backend
		if ferr := s.FeatureErr(name); ferr != nil {
			logging.Warn("Remote unavailable", zap.String("backend", name), zap.Error(ferr))
		}
	}
	s.StopWaitingForToken()
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// withStorage runs fn on an opened client and closes it afterwards.
func (a *app) withStorage(ctx context.Context, fn func(*remotestorage.Storage) error) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
		logging.Warn("Cleanup failed", zap.Error(cerr))
	}
	return err
}

// serveMetrics starts the Prometheus endpoint when configured.
func (a *app) serveMetrics() *http.Server {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:    a.cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("Metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}

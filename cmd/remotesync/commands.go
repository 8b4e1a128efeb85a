package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/pkg/dropbox"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/remotestorage"
	"github.com/fruitsalade/remotesync/pkg/store"
)

// statusError turns a non-success item into an error.
func statusError(path string, item *store.Item) error {
	switch item.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: not found", path)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%s: revision mismatch (current %q)", path, item.Revision)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: unauthorized, run 'remotesync login'", path)
	default:
		return fmt.Errorf("%s: unexpected status %d", path, item.StatusCode)
	}
}

func printListing(w io.Writer, listing map[string]store.ListingEntry) {
	names := make([]string, 0, len(listing))
	for name := range listing {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		e := listing[name]
		fmt.Fprintf(w, "%s\t%s\t%d\n", name, e.ETag, e.ContentLength)
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print a document, or the listing of a folder path ending in /",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				item, err := s.Get(cmd.Context(), path, store.GetOptions{})
				if err != nil {
					return err
				}
				if item.StatusCode != http.StatusOK {
					return statusError(path, item)
				}
				if store.IsFolder(path) {
					printListing(cmd.OutOrStdout(), item.Listing)
					return nil
				}
				_, err = cmd.OutOrStdout().Write(item.Body)
				return err
			})
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [folder]",
		Short: "List a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := "/"
			if len(args) == 1 {
				folder = args[0]
			}
			if !strings.HasSuffix(folder, "/") {
				folder += "/"
			}
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				item, err := s.Get(cmd.Context(), folder, store.GetOptions{})
				if err != nil {
					return err
				}
				if item.StatusCode != http.StatusOK {
					return statusError(folder, item)
				}
				printListing(cmd.OutOrStdout(), item.Listing)
				return nil
			})
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	var contentType, ifMatch string
	var create bool

	cmd := &cobra.Command{
		Use:   "put <path> [file]",
		Short: "Store a document read from file, or stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var body []byte
			var err error
			if len(args) == 2 && args[1] != "-" {
				body, err = os.ReadFile(args[1])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = mimetype.Detect(body).String()
			}
			opts := store.PutOptions{IfMatch: ifMatch}
			if create {
				opts.IfNoneMatch = store.AnyRevision
			}

			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				item, err := s.Put(cmd.Context(), path, body, contentType, opts)
				if err != nil {
					return err
				}
				if item.StatusCode != http.StatusOK && item.StatusCode != http.StatusCreated {
					return statusError(path, item)
				}
				fmt.Fprintln(cmd.OutOrStdout(), item.Revision)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&contentType, "type", "t", "", "content type (detected when omitted)")
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only write when the current revision matches")
	cmd.Flags().BoolVar(&create, "create", false, "only write when the document does not exist")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var ifMatch string
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				item, err := s.Delete(cmd.Context(), path, store.DeleteOptions{IfMatch: ifMatch})
				if err != nil {
					return err
				}
				if item.StatusCode != http.StatusOK {
					return statusError(path, item)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only delete when the current revision matches")
	return cmd
}

// watchEvents writes every event the emitter reports to w, one JSON object
// per line, until the returned stop function is called.
func watchEvents(w io.Writer, em *events.Emitter) (stop func()) {
	ch := em.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		em.Unsubscribe(ch)
		<-done
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var interval time.Duration
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones, once or every --interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.SyncInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withStorage(ctx, func(s *remotestorage.Storage) error {
				if watch {
					stop := watchEvents(cmd.ErrOrStderr(), s.Emitter())
					defer stop()
				}
				if interval <= 0 {
					stats, err := s.Sync(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, pulled %d, removed %d, conflicts %d\n",
						stats.Pushed, stats.Pulled, stats.Removed, stats.Conflicts)
					return nil
				}

				srv := a.serveMetrics()
				err := s.Run(ctx, interval)
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync repeatedly at this interval until interrupted")
	cmd.Flags().BoolVar(&watch, "watch", false, "print engine events to stderr as JSON lines")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show features and connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				w := cmd.OutOrStdout()
				res := s.Result()
				fmt.Fprintf(w, "backend\t%s\n", a.cfg.Backend)
				fmt.Fprintf(w, "local\t%s\n", orNone(res.LocalName))
				fmt.Fprintf(w, "remote\t%s\n", orNone(res.RemoteName))
				if remote := s.Remote(); remote != nil {
					fmt.Fprintf(w, "connected\t%t\n", remote.Connected())
					fmt.Fprintf(w, "online\t%t\n", remote.Online())
				}
				if d, ok := s.Remote().(*dropbox.Adapter); ok && d.UserAddress() != "" {
					fmt.Fprintf(w, "user\t%s\n", d.UserAddress())
				}

				states := s.States()
				names := make([]string, 0, len(states))
				for name := range states {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					line := fmt.Sprintf("feature\t%s\t%s", name, states[name])
					if err := s.FeatureErr(name); err != nil {
						line += "\t" + err.Error()
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func dropboxAdapter(s *remotestorage.Storage) (*dropbox.Adapter, error) {
	d, ok := s.Remote().(*dropbox.Adapter)
	if !ok {
		return nil, errors.New("this command needs the dropbox backend")
	}
	return d, nil
}

// readToken prompts for a token without echo on a terminal and reads one
// line otherwise.
func readToken(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Access token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newLoginCmd(a *app) *cobra.Command {
	var token, user string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a Dropbox access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				d, err := dropboxAdapter(s)
				if err != nil {
					return err
				}
				if token == "" {
					if token, err = readToken(cmd); err != nil {
						return err
					}
				}
				if token == "" {
					return errors.New("no token given")
				}
				if err := d.Configure(cmd.Context(), dropbox.Settings{UserAddress: user, Token: token}); err != nil {
					return err
				}
				if !d.Connected() {
					return errors.New("token is expired or malformed")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", d.UserAddress())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (prompted when omitted)")
	cmd.Flags().StringVar(&user, "user", "", "account address (looked up when omitted)")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget saved credentials and cached remote state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				s.Disconnect()
				logging.Info("Logged out")
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func newLinkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "link <path>",
		Short: "Print the public shared link of a document under " + dropbox.PublicPrefix,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return a.withStorage(cmd.Context(), func(s *remotestorage.Storage) error {
				d, err := dropboxAdapter(s)
				if err != nil {
					return err
				}
				url, ok := d.PublicURL(path)
				if !ok {
					if url, err = d.ResolveLink(cmd.Context(), path); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/flakyguard/internal/domain"
	"github.com/hochfrequenz/flakyguard/internal/ingest"
	"github.com/hochfrequenz/flakyguard/internal/notify"
	"github.com/hochfrequenz/flakyguard/internal/resultstore"
	"github.com/hochfrequenz/flakyguard/internal/session"
	"github.com/hochfrequenz/flakyguard/internal/watcher"
)

const defaultDebounce = 500 * time.Millisecond

var watchDebounce time.Duration

func init() {
	// ingest command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest FILE...",
		Short: "Record results from go test -json or JUnit XML reports",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	})

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch DIR...",
		Short: "Ingest report files as they appear",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", defaultDebounce, "quiet period before a batch of files is ingested")
	rootCmd.AddCommand(watchCmd)
}

// parseReports parses files concurrently, each from its stored cursor.
// Chunks keep argument order, carry absolute paths and name each file once.
func parseReports(ctx context.Context, store *resultstore.Store, args []string, env domain.EnvironmentInfo) ([]ingest.Chunk, error) {
	var paths []string
	var cursors []domain.ReportCursor
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		prev, _, err := store.ReportCursor(path)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		cursors = append(cursors, prev)
	}

	chunks := make([]ingest.Chunk, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk, err := ingest.FileFrom(path, env, cursors[i])
			if err != nil {
				return err
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// storeReports appends each changed file in its own transaction, together
// with its cursor. It returns the number of results and of files stored.
func storeReports(store *resultstore.Store, chunks []ingest.Chunk) (results, files int, err error) {
	for _, c := range chunks {
		if !c.Changed {
			continue
		}
		if err := store.AppendFromReport(c.Cursor, c.Results); err != nil {
			return results, files, fmt.Errorf("%s: %w", c.Cursor.Path, err)
		}
		results += len(c.Results)
		files++
	}
	return results, files, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	chunks, err := parseReports(cmd.Context(), store, args, session.CurrentEnvironment(time.Now()))
	if err != nil {
		return err
	}

	total, files, err := storeReports(store, chunks)
	if err != nil {
		return err
	}
	a.log.Info("ingested reports", "files", files, "results", total)
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d results from %d file(s)\n", total, files)
	if skipped := len(chunks) - files; skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d file(s) with nothing new\n", skipped)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := a.newSession(store, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := a.watchReports(ctx, store, sess, args, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d director(ies), press Ctrl+C to stop\n", len(args))

	<-ctx.Done()
	w.Stop()
	return nil
}

// tailReport stores what was appended to a watched report since it was
// last read. Results and the file cursor are committed together.
func (a *app) tailReport(store *resultstore.Store, tailer *ingest.Tailer, path string) (int, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	prev, _, err := store.ReportCursor(path)
	if err != nil {
		return 0, err
	}
	chunk, err := tailer.Read(path, prev)
	if err != nil {
		return 0, err
	}
	if chunk.Malformed > 0 {
		a.log.Warn("skipped malformed report lines", "file", path, "lines", chunk.Malformed)
	}
	if !chunk.Changed {
		return 0, nil
	}
	if err := store.AppendFromReport(chunk.Cursor, chunk.Results); err != nil {
		return 0, err
	}
	return len(chunk.Results), nil
}

// ingestHook observes each stored batch and the detection that followed it
type ingestHook func(results int, flaky, fresh []domain.FlakyTest)

// watchReports starts a watcher over dirs that stores new reports, re-runs
// detection and notifies about newly flaky tests. The caller stops it.
func (a *app) watchReports(ctx context.Context, store *resultstore.Store, sess *session.Session, dirs []string, hook ingestHook) (*watcher.ReportWatcher, error) {
	// tests already flaky at startup are not announced again
	current, err := sess.Report()
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(current))
	for _, ft := range current {
		known = append(known, ft.TestID)
	}
	tracker := notify.NewTracker(known...)
	notifier := notify.FromConfig(a.cfg.Notifications.Desktop, a.cfg.Notifications.SlackWebhook)

	tailer := ingest.NewTailer(sess.Environment())

	onChange := func(files []string) {
		total := 0
		for _, path := range files {
			n, err := a.tailReport(store, tailer, path)
			if err != nil {
				a.log.Warn("failed to ingest report", "file", path, "error", err)
				continue
			}
			total += n
		}
		if total == 0 {
			return
		}
		a.log.Info("ingested reports", "files", len(files), "results", total)

		flaky, err := sess.Report()
		if err != nil {
			a.log.Error("detection failed", "error", err)
			return
		}
		change := tracker.Update(flaky)
		if hook != nil {
			hook(total, flaky, change.Fresh)
		}
		for _, n := range change.Notifications() {
			if err := notifier.Send(ctx, n); err != nil {
				a.log.Warn("notification failed", "title", n.Title, "error", err)
			}
		}
	}

	w, err := watcher.New(onChange, a.log)
	if err != nil {
		return nil, err
	}
	w.SetDebounce(watchDebounce)
	for _, dir := range dirs {
		if err := w.AddDir(dir); err != nil {
			w.Stop()
			return nil, err
		}
	}

	w.Start(ctx)
	a.log.Info("watching for reports", "dirs", w.Dirs())
	return w, nil
}

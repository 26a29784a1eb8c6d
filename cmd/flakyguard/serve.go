package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/flakyguard/internal/domain"
	"github.com/hochfrequenz/flakyguard/internal/metrics"
	"github.com/hochfrequenz/flakyguard/internal/watcher"
	"github.com/hochfrequenz/flakyguard/web/api"
)

var (
	serveAddr  string
	serveWatch []string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flaky-test data over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from [server] config)")
	serveCmd.Flags().StringSliceVar(&serveWatch, "watch", nil, "directories to watch for new reports")
	serveCmd.Flags().DurationVar(&watchDebounce, "debounce", defaultDebounce, "quiet period before a batch of watched files is ingested")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		if a.cfg.Server.Port < 0 || a.cfg.Server.Port > 65535 {
			return &domain.ConfigError{Field: "server.port", Value: a.cfg.Server.Port, Reason: "must be between 0 and 65535"}
		}
		addr = net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec := metrics.New()
	sess, err := a.newSession(store, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(sess, store, addr, api.WithRegistry(rec.Registry()), api.WithLogger(a.log))

	if len(serveWatch) > 0 {
		hook := func(results int, flaky, fresh []domain.FlakyTest) {
			server.Broadcast(api.SSEEvent{
				Type: api.EventResultsIngested,
				Data: map[string]int{"results": results, "flaky": len(flaky)},
			})
			if len(fresh) > 0 {
				ids := make([]string, 0, len(fresh))
				for _, ft := range fresh {
					ids = append(ids, ft.TestID)
				}
				server.Broadcast(api.SSEEvent{Type: api.EventFlakyChanged, Data: map[string][]string{"new": ids}})
			}
		}
		var w *watcher.ReportWatcher
		if w, err = a.watchReports(ctx, store, sess, serveWatch, hook); err != nil {
			return err
		}
		defer w.Stop()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", addr)
	return server.Start(ctx)
}

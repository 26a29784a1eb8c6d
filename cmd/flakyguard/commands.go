package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/flakyguard/internal/config"
	"github.com/hochfrequenz/flakyguard/internal/detect"
	"github.com/hochfrequenz/flakyguard/internal/domain"
	"github.com/hochfrequenz/flakyguard/internal/logging"
	"github.com/hochfrequenz/flakyguard/internal/metrics"
	"github.com/hochfrequenz/flakyguard/internal/report"
	"github.com/hochfrequenz/flakyguard/internal/resultstore"
	"github.com/hochfrequenz/flakyguard/internal/session"
	"github.com/hochfrequenz/flakyguard/tui"
)

var (
	reportFormat  string
	clearForce    bool
	planGoSkip    bool
	planPackage   string
	historyWindow int
)

func init() {
	// report command
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Show flaky tests ranked by flakiness",
		Args:  cobra.NoArgs,
		RunE:  runReport,
	}
	reportCmd.Flags().StringVar(&reportFormat, "format", "table", "output format: table, markdown, json, yaml")
	rootCmd.AddCommand(reportCmd)

	// list command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List flaky tests, one per line",
		Args:  cobra.NoArgs,
		RunE:  runList,
	})

	// clear command
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded results",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}
	clearCmd.Flags().BoolVar(&clearForce, "force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)

	// plan command
	planCmd := &cobra.Command{
		Use:   "plan [TEST_ID...]",
		Short: "Print the quarantine action for each flaky test about to run",
		Long: `Print the quarantine action for each given test id that is currently
flaky. Ids are read from the arguments, or one per line from stdin when no
arguments are given.`,
		RunE: runPlan,
	}
	planCmd.Flags().BoolVar(&planGoSkip, "go-skip", false, "print go test -skip patterns, one per package, for tests in skip mode")
	planCmd.Flags().StringVar(&planPackage, "package", "", "with --go-skip, print only the bare pattern for this package")
	rootCmd.AddCommand(planCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history TEST_ID",
		Short: "Show recorded runs of one test",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyWindow, "window", 0, "most recent runs to show (0 shows all)")
	rootCmd.AddCommand(historyCmd)

	// stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	})

	// tui command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Browse flaky tests interactively",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	})
}

// app is the validated configuration every command starts from
type app struct {
	cfg      *config.Config
	settings domain.Settings
	log      *slog.Logger
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// loadApp merges flags over the config file and validates the result.
// Configuration errors surface here, before any store is opened.
func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pf := rootCmd.PersistentFlags()
	if pf.Changed("db") {
		cfg.Storage.DatabasePath = config.ExpandPath(dbPath)
	}
	if pf.Changed("window") {
		cfg.Detection.WindowSize = windowSize
	}
	if pf.Changed("threshold") {
		cfg.Detection.Threshold = threshold
	}
	if pf.Changed("mode") {
		cfg.Quarantine.Mode = quarantineMode
	}
	if pf.Changed("retry-count") {
		cfg.Quarantine.RetryCount = retryCount
	}
	if pf.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if pf.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}

	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, settings: settings, log: log}, nil
}

func (a *app) openStore() (*resultstore.Store, error) {
	store, err := resultstore.New(a.settings.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.log.Debug("opened result store", "path", store.Path())
	return store, nil
}

func (a *app) newSession(store session.HistoryStore, rec *metrics.Recorder) (*session.Session, error) {
	opts := []session.Option{session.WithLogger(a.log)}
	if rec != nil {
		opts = append(opts, session.WithMetrics(rec))
	}
	return session.New(store, a.settings, opts...)
}

func runReport(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(reportFormat)
	if err != nil {
		return err
	}
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
	d, err := sess.Detect()
	if err != nil {
		return err
	}

	doc := report.NewDocument(d.Flaky, d.Summary, a.settings, sess.ID(), time.Now())
	return report.Render(cmd.OutOrStdout(), format, doc)
}

func runList(cmd *cobra.Command, args []string) error {
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
	d, err := sess.Detect()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(d.Flaky) == 0 {
		fmt.Fprintln(out, "No flaky tests detected!")
		return nil
	}

	doc := report.NewDocument(d.Flaky, d.Summary, a.settings, sess.ID(), time.Now())
	now := time.Now()
	for _, e := range doc.FlakyTests {
		fmt.Fprintln(out, report.ListLine(e, now))
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if !clearForce {
		stats, err := store.Stats()
		if err != nil {
			return err
		}
		ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete %s results for %s tests from %s?",
			humanize.Comma(int64(stats.Results)), humanize.Comma(int64(stats.Tests)), store.Path()))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := store.Clear(); err != nil {
		return err
	}
	a.log.Info("cleared result history", "path", store.Path())
	fmt.Fprintln(out, "Test history cleared.")
	return nil
}

// confirm asks for an explicit "yes". Without a terminal on stdin there is
// nobody to ask, so it refuses rather than guess.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if f, ok := in.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false, fmt.Errorf("refusing to clear without --force: stdin is not a terminal")
	}

	fmt.Fprintf(out, "%s Type 'yes' to confirm: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	ids := args
	if len(ids) == 0 {
		ids, err = readIDs(cmd.InOrStdin())
		if err != nil {
			return err
		}
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
	actions, err := sess.PreRun(ids)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planGoSkip {
		printGoSkip(out, goSkipPatterns(ids, actions), planPackage)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		action, ok := actions[id]
		if !ok {
			continue
		}
		an := action.Annotation()
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, an.Kind, an.Reason)
	}
	return w.Flush()
}

func readIDs(in io.Reader) ([]string, error) {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return nil, fmt.Errorf("no test ids given: pass them as arguments or pipe them on stdin")
	}

	var ids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

// goSkipPatterns builds one `go test -skip` regexp per package for the
// tests in skip mode. go test splits a pattern on unbracketed '|' into
// alternatives and each alternative on unbracketed '/' into one regexp per
// subtest level, so subtests get their own levels. A name is judged by the
// first alternative that matches it, so shallower tests come first and
// subtests of an already skipped test are left out.
func goSkipPatterns(ids []string, actions map[string]session.Action) map[string]string {
	byPkg := make(map[string][][]string)
	for _, id := range ids {
		action, ok := actions[id]
		if !ok || action.Mode() != domain.ModeSkip {
			continue
		}
		pkg, name := "", id
		if i := strings.LastIndex(id, "::"); i >= 0 {
			pkg, name = id[:i], id[i+2:]
		}
		byPkg[pkg] = append(byPkg[pkg], strings.Split(name, "/"))
	}

	patterns := make(map[string]string, len(byPkg))
	for pkg, names := range byPkg {
		sort.Slice(names, func(i, j int) bool {
			if len(names[i]) != len(names[j]) {
				return len(names[i]) < len(names[j])
			}
			return strings.Join(names[i], "/") < strings.Join(names[j], "/")
		})

		var alts []string
		var kept [][]string
		for _, levels := range names {
			if coveredBy(levels, kept) {
				continue
			}
			kept = append(kept, levels)

			parts := make([]string, len(levels))
			for i, level := range levels {
				parts[i] = "^" + regexp.QuoteMeta(level) + "$"
			}
			alts = append(alts, strings.Join(parts, "/"))
		}
		patterns[pkg] = strings.Join(alts, "|")
	}
	return patterns
}

// coveredBy reports whether levels equals or lies below one of skipped
func coveredBy(levels []string, skipped [][]string) bool {
	for _, s := range skipped {
		if len(s) <= len(levels) && slices.Equal(s, levels[:len(s)]) {
			return true
		}
	}
	return false
}

// printGoSkip writes the pattern for pkg, or one "package<TAB>pattern" line
// per package when pkg is empty
func printGoSkip(out io.Writer, patterns map[string]string, pkg string) {
	if pkg != "" {
		if pattern, ok := patterns[pkg]; ok {
			fmt.Fprintln(out, pattern)
		}
		return
	}
	pkgs := make([]string, 0, len(patterns))
	for p := range patterns {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)
	for _, p := range pkgs {
		fmt.Fprintf(out, "%s\t%s\n", p, patterns[p])
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	testID := args[0]
	h, ok, err := store.GetHistory(testID, historyWindow)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no history for %s", testID)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tOUTCOME\tDURATION\tRUNTIME\tPLATFORM")
	for _, r := range h.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Outcome,
			r.Duration.Round(time.Millisecond),
			dash(r.Environment.RuntimeVersion),
			dash(r.Environment.Platform))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// classification always uses the configured window
	passes, failures, total := h.Counts(a.settings.WindowSize)
	fmt.Fprintf(out, "\n%s: %s (%d passed, %d failed of last %d, rate %.1f%%)\n",
		testID, h.Classify(a.settings.WindowSize, a.settings.Threshold),
		passes, failures, total, h.FlakinessRate(a.settings.WindowSize)*100)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	version, err := store.SchemaVersion()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database:       %s\n", store.Path())
	fmt.Fprintf(out, "Schema version: %s\n", version)
	fmt.Fprintf(out, "Results:        %s\n", humanize.Comma(int64(stats.Results)))
	fmt.Fprintf(out, "Tests:          %s\n", humanize.Comma(int64(stats.Tests)))
	if stats.Results > 0 {
		fmt.Fprintf(out, "First run:      %s (%s)\n", stats.First.Local().Format(time.RFC3339), humanize.Time(stats.First))
		fmt.Fprintf(out, "Last run:       %s (%s)\n", stats.Last.Local().Format(time.RFC3339), humanize.Time(stats.Last))
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	sess, err := a.newSession(store, nil)
	if err != nil {
		return err
	}

	loader := func() (tui.Snapshot, error) {
		d, err := sess.Detect()
		if err != nil {
			return tui.Snapshot{}, err
		}
		byID := make(map[string]domain.TestHistory, len(d.Histories))
		for _, h := range d.Histories {
			byID[h.TestID] = h
		}
		return tui.Snapshot{
			Flaky:     d.Flaky,
			Broken:    detect.Broken(d.Histories, a.settings),
			Summary:   d.Summary,
			Histories: byID,
			LoadedAt:  time.Now(),
		}, nil
	}

	model := tui.NewModel(tui.ModelConfig{
		Settings: a.settings,
		Loader:   loader,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

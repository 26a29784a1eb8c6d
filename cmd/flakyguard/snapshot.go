package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/flakyguard/internal/domain"
	"github.com/hochfrequenz/flakyguard/internal/metrics"
	"github.com/hochfrequenz/flakyguard/internal/notify"
	"github.com/hochfrequenz/flakyguard/internal/report"
	"github.com/hochfrequenz/flakyguard/internal/schedule"
	"github.com/hochfrequenz/flakyguard/internal/session"
)

var (
	snapshotCron        string
	snapshotSchedule    bool
	snapshotMetricsFile string
	snapshotReportFile  string
	snapshotFormat      string
)

func init() {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write metrics and a report file, once or on a schedule",
		Long: `Run detection and write the results: a Prometheus textfile for the
node exporter, a report file, and notifications for tests that became flaky
since the previous snapshot. With --schedule (or --cron) it keeps running
and takes a snapshot at every cron boundary.`,
		Args: cobra.NoArgs,
		RunE: runSnapshot,
	}
	f := snapshotCmd.Flags()
	f.BoolVar(&snapshotSchedule, "schedule", false, "keep running on the configured cron schedule")
	f.StringVar(&snapshotCron, "cron", "", "cron expression, implies --schedule")
	f.StringVar(&snapshotMetricsFile, "metrics-file", "", "Prometheus textfile path")
	f.StringVar(&snapshotReportFile, "report-file", "", "report file path")
	f.StringVar(&snapshotFormat, "format", "", "report file format: table, markdown, json, yaml")
	rootCmd.AddCommand(snapshotCmd)
}

type snapshotJob struct {
	sess        *session.Session
	recorder    *metrics.Recorder
	tracker     *notify.Tracker
	notifier    notify.Notifier
	metricsFile string
	reportFile  string
	format      report.Format
}

func (j *snapshotJob) run(ctx context.Context) error {
	d, err := j.sess.Detect()
	if err != nil {
		return err
	}

	if j.metricsFile != "" {
		if err := j.recorder.WriteTextfile(j.metricsFile); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	if j.reportFile != "" {
		doc := report.NewDocument(d.Flaky, d.Summary, j.sess.Settings(), j.sess.ID(), time.Now())
		if err := writeReportFile(j.reportFile, j.format, doc); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}

	for _, n := range j.tracker.Update(d.Flaky).Notifications() {
		if err := j.notifier.Send(ctx, n); err != nil {
			return fmt.Errorf("sending notification: %w", err)
		}
	}
	return nil
}

// writeReportFile renders into a temp file next to path and renames it into
// place, so readers never see a partial report
func writeReportFile(path string, format report.Format, doc report.Document) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".flakyguard-report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := report.Render(tmp, format, doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	snap := a.cfg.Snapshot
	if cmd.Flags().Changed("metrics-file") {
		snap.MetricsFile = snapshotMetricsFile
	}
	if cmd.Flags().Changed("report-file") {
		snap.ReportFile = snapshotReportFile
	}
	if cmd.Flags().Changed("format") {
		snap.ReportFormat = snapshotFormat
	}
	if cmd.Flags().Changed("cron") {
		snap.Cron = snapshotCron
		snapshotSchedule = true
	}

	format, err := report.ParseFormat(snap.ReportFormat)
	if err != nil {
		return err
	}
	if snapshotSchedule {
		if _, err := schedule.ParseCron(snap.Cron); err != nil {
			return &domain.ConfigError{Field: "cron", Value: snap.Cron, Reason: err.Error()}
		}
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := metrics.New()
	sess, err := a.newSession(store, recorder)
	if err != nil {
		return err
	}

	job := &snapshotJob{
		sess:        sess,
		recorder:    recorder,
		tracker:     notify.NewTracker(),
		notifier:    notify.FromConfig(a.cfg.Notifications.Desktop, a.cfg.Notifications.SlackWebhook),
		metricsFile: snap.MetricsFile,
		reportFile:  snap.ReportFile,
		format:      format,
	}

	out := cmd.OutOrStdout()
	if !snapshotSchedule {
		if err := job.run(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(out, "Snapshot written.")
		return nil
	}

	sched, err := schedule.NewScheduler([]schedule.Job{{
		Name: "snapshot",
		Cron: snap.Cron,
		Run:  job.run,
	}}, schedule.WithLogger(a.log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Next snapshot at %s, press Ctrl+C to stop\n", sched.NextRun("snapshot").Format(time.RFC3339))
	sched.Start(ctx)
	return nil
}

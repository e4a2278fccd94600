package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/history"
	"github.com/nugget/ohmpub/internal/scheduler"
)

func historyPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, history.FileName)
}

// recordRun appends the totals of a finished run to the history
// database. Failures are logged; they never change the exit status.
func recordRun(ctx context.Context, cfg *config.Config, mode string, started, ended time.Time, c scheduler.Counters, logger *slog.Logger) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Warn("run history not recorded", "error", err)
		return
	}
	store, err := history.Open(historyPath(cfg))
	if err != nil {
		logger.Warn("run history not recorded", "error", err)
		return
	}
	defer store.Close()

	run := history.Run{
		Machine:    cfg.Machine,
		Mode:       mode,
		Started:    started,
		Ended:      ended,
		Cancelled:  ctx.Err() != nil,
		Published:  c.Published,
		Suppressed: c.Suppressed,
		Failed:     c.Failed,
		Discovery:  c.Discovery,
	}
	if err := store.Record(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("run history not recorded", "error", err)
		return
	}
	logger.Debug("run recorded", "path", historyPath(cfg))
}

// runHistory prints the most recent runs and today's totals.
func runHistory(ctx context.Context, w io.Writer, opts options, limit int) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return configError(err)
	}
	path := historyPath(cfg)
	if _, err := os.Stat(path); err != nil {
		if opts.outputFmt == "json" {
			fmt.Fprintln(w, "[]")
		} else {
			fmt.Fprintf(w, "No runs recorded in %s\n", path)
		}
		return nil
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		if runs == nil {
			runs = []history.Run{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	today, err := store.Summary(ctx, midnight, midnight.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tDURATION\tPUBLISHED\tSUPPRESSED\tFAILED\tDISCOVERY\t")
	for _, r := range runs {
		mode := r.Mode
		if r.Cancelled {
			mode += " (cancelled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t\n",
			r.Started.Local().Format(time.DateTime), mode, r.Ended.Sub(r.Started).Round(time.Second),
			r.Published, r.Suppressed, r.Failed, r.Discovery)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nToday: %d runs, %d published, %d suppressed, %d failed\n",
		today.Runs, today.Published, today.Suppressed, today.Failed)
	return nil
}

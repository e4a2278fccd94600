// Ohmpub publishes hardware sensor readings.
//
// Every poll samples the configured hardware, drops readings that are
// excluded or have not changed enough since they were last published,
// and hands the rest to a sink: an MQTT broker (with Home Assistant
// discovery), a directory of per-sensor files, or the console.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ohmpub mqtt          Publish readings to an MQTT broker
//	ohmpub files         Append readings to per-sensor files
//	ohmpub show          Print readings to the console
//	ohmpub history [n]   List the most recent polling runs
//	ohmpub init [dir]    Write an example config into dir
//	ohmpub version       Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/nugget/ohmpub/internal/buildinfo"
	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/discovery"
	"github.com/nugget/ohmpub/internal/filter"
	"github.com/nugget/ohmpub/internal/hwsensor"
	"github.com/nugget/ohmpub/internal/mqtt"
	"github.com/nugget/ohmpub/internal/scheduler"
	"github.com/nugget/ohmpub/internal/sensor"
	"github.com/nugget/ohmpub/internal/sink"
	"github.com/nugget/ohmpub/internal/topic"
)

// Process exit statuses.
const (
	exitConfig     = 2
	exitUnexpected = 70
)

// exitError carries the process exit status for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

// exitCode maps an error returned by run to a process exit status.
// Errors without an explicit status are unexpected.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUnexpected
}

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitCode(err))
	}
}

// options are the parsed command-line flags.
type options struct {
	configPath string
	outputFmt  string
	verbose    bool
}

// run is the real entry point for the ohmpub command. Arguments are
// parsed by hand so that run can be called concurrently from tests.
// Cancelling ctx, or SIGINT/SIGTERM while polling, is a clean stop.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-v" || args[i] == "-verbose" || args[i] == "--verbose":
			opts.verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return configError(fmt.Errorf("unknown flag: %s", args[i]))
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return configError(fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt))
	}

	switch command {
	case "mqtt", "files":
		return runPublish(ctx, stdout, command, opts)
	case "show":
		// Readings own stdout; logs go to stderr.
		return runPublish(ctx, stderr, command, opts, withConsole(stdout))
	case "history":
		limit := 10
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return configError(fmt.Errorf("history: invalid run count %q", cmdArgs[0]))
			}
			limit = n
		}
		return runHistory(ctx, stdout, opts, limit)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return configError(fmt.Errorf("unknown command: %s", command))
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ohmpub - Hardware Sensor Publisher")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ohmpub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  mqtt         Publish readings to an MQTT broker")
	fmt.Fprintln(w, "  files        Append readings to per-sensor files")
	fmt.Fprintln(w, "  show         Print readings to the console")
	fmt.Fprintln(w, "  history [n]  List the last n polling runs (default: 10)")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -v, --verbose     Log per-reading decisions (debug level)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ohmpub/config.yaml, /etc/ohmpub/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status: 0 on success or cancellation, 2 for configuration errors,")
	fmt.Fprintln(w, "70 for unexpected failures.")
	return nil
}

// publishEnv holds overrides for runPublish.
type publishEnv struct {
	console io.Writer
	source  func(components []string, logger *slog.Logger) sensor.Source
	clock   clock.Clock
}

type publishOption func(*publishEnv)

func withConsole(w io.Writer) publishOption {
	return func(e *publishEnv) { e.console = w }
}

func withSource(src sensor.Source) publishOption {
	return func(e *publishEnv) {
		e.source = func([]string, *slog.Logger) sensor.Source { return src }
	}
}

// runPublish handles the mqtt, files and show commands. It loads the
// config, builds the pipeline and the sink for mode, and polls until
// done or until SIGINT/SIGTERM.
func runPublish(ctx context.Context, logOut io.Writer, mode string, opts options, extra ...publishOption) error {
	env := publishEnv{
		console: logOut,
		source:  defaultSource,
		clock:   clock.New(),
	}
	for _, o := range extra {
		o(&env)
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return configError(err)
	}

	logger := newLogger(logOut, cfg.EffectiveLevel(opts.verbose), cfg.LogFormat)
	logger.Info("starting ohmpub",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime, "mode", mode)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	pipeline, err := buildPipeline(cfg, env.clock, logger)
	if err != nil {
		return configError(err)
	}

	regOpts := discovery.Options{
		Enabled:          mode == "mqtt" && cfg.MQTT.Discovery.Enabled,
		Prefix:           cfg.MQTT.Discovery.Prefix,
		Machine:          cfg.Machine,
		ExpireAfter:      discovery.ExpireAfter(cfg.MinInterval(), cfg.Interval()),
		QuitWithConsumer: cfg.MQTT.Discovery.QuitWithConsumer,
		Logger:           logger.With("component", "discovery"),
	}
	if mode == "mqtt" && cfg.MQTT.Availability {
		regOpts.AvailabilityTopic = topic.Availability(cfg.Machine)
	}
	registry := discovery.New(regOpts)

	out, status, err := buildSink(ctx, mode, cfg, registry, env.console, logger)
	if err != nil {
		return err
	}

	source := env.source(cfg.Sensors.Components, logger)

	sched, err := scheduler.New(scheduler.Options{
		Machine:    cfg.Machine,
		Source:     source,
		Pipeline:   pipeline,
		Registry:   registry,
		Sink:       out,
		Status:     status,
		Continuous: cfg.Polling.Continuous,
		Interval:   cfg.Interval(),
		Clock:      env.clock,
		Logger:     logger.With("component", "scheduler"),
	})
	if err != nil {
		return configError(err)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// stop polling after the reading in progress.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := env.clock.Now()
	runErr := sched.Run(ctx)
	if cfg.History.Enabled {
		recordRun(ctx, cfg, mode, started, env.clock.Now(), sched.Totals(), logger)
	}
	if runErr != nil {
		return &exitError{code: exitUnexpected, err: fmt.Errorf("%s: %w", mode, runErr)}
	}

	c := sched.Stats()
	if ctx.Err() != nil {
		logger.Info("cancelled",
			"published_today", c.Published, "suppressed_today", c.Suppressed, "failed_today", c.Failed)
		return nil
	}
	logger.Info("polling finished",
		"published_today", c.Published, "suppressed_today", c.Suppressed, "failed_today", c.Failed)
	return nil
}

func buildPipeline(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*filter.Pipeline, error) {
	kinds, err := cfg.Kinds()
	if err != nil {
		return nil, err
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	multipliers, err := cfg.Multipliers()
	if err != nil {
		return nil, err
	}
	return filter.New(filter.Options{
		Machine:     cfg.Machine,
		Kinds:       kinds,
		Patterns:    cfg.Sensors.Patterns,
		Thresholds:  thresholds,
		Multipliers: multipliers,
		MinInterval: cfg.MinInterval(),
		Now:         clk.Now,
		Logger:      logger.With("component", "filter"),
	})
}

// buildSink creates the sink for mode. For mqtt it also returns the
// status channel the scheduler drains.
func buildSink(ctx context.Context, mode string, cfg *config.Config, registry *discovery.Registry, console io.Writer, logger *slog.Logger) (sink.Sink, <-chan []byte, error) {
	switch mode {
	case "mqtt":
		if !cfg.MQTT.Configured() {
			return nil, nil, configError(errors.New("mqtt.broker must be set for the mqtt command"))
		}
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return nil, nil, &exitError{code: exitUnexpected, err: err}
		}
		opts := mqtt.Options{
			Config:   cfg.MQTT,
			ClientID: mqtt.ClientID(cfg.MQTT.ClientID, cfg.Machine, instanceID),
			Logger:   logger,
		}
		if registry.Enabled() {
			opts.StatusTopic = registry.StatusTopic()
		}
		if cfg.MQTT.Availability {
			opts.AvailabilityTopic = topic.Availability(cfg.Machine)
		}
		tr, err := mqtt.New(opts)
		if err != nil {
			return nil, nil, configError(err)
		}
		return tr, tr.Status(), nil

	case "files":
		f := sink.NewFiles(cfg.Files.Directory, cfg.Files.Create, cfg.Files.MaxFileSizeKB, logger.With("component", "files"))
		// A missing directory is a configuration error, reported
		// before sampling starts.
		if err := f.Prepare(ctx); err != nil {
			return nil, nil, configError(err)
		}
		return f, nil, nil

	default:
		return sink.NewConsole(console, nil), nil, nil
	}
}

// newLogger creates a structured logger writing to w at the given level
// and format ("json" or "text").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig finds and loads the config file. With no file anywhere on
// the search path the defaults are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func defaultSource(components []string, logger *slog.Logger) sensor.Source {
	return hwsensor.New(components, logger)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
	"github.com/abdul-hamid-achik/kestrel/packages/core/suite"
	"github.com/abdul-hamid-achik/kestrel/packages/history"
	"github.com/abdul-hamid-achik/kestrel/packages/logging"
	"github.com/abdul-hamid-achik/kestrel/packages/metrics"
	"github.com/abdul-hamid-achik/kestrel/packages/notify"
)

var runCmd = &cobra.Command{
	Use:   "run <file|directory>...",
	Short: "Run test suites",
	Long: `Run the tests declared in kestrel suite files (.yaml, .yml).

Examples:
  kestrel run ./suites/
  kestrel run users.yaml orders.yaml --max-parallel 4
  kestrel run ./suites/ --tags smoke
  kestrel run ./suites/ --name "Users.*"
  kestrel run ./suites/ --output junit --output-file junit.xml
  kestrel run ./suites/ --history .kestrel/history.db --notify slack --notify-on recovery
  kestrel run ./suites/ --env-file .env --metrics-file /var/lib/node_exporter/kestrel.prom`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCommand,
}

const (
	// WatchDebounceDelay is the debounce delay for file watch events
	WatchDebounceDelay = 300 * time.Millisecond

	// notifyTimeout bounds the time spent delivering notifications
	notifyTimeout = 15 * time.Second
)

var (
	nameFlag            string
	tagsFlag            string
	verboseFlag         int // 0=off, 1=-v, 2=-vv
	noColorFlag         bool
	outputFlag          string
	outputFileFlag      string
	outputDirFlag       string
	maxParallelFlag     int
	timeoutFlag         string
	testTimeoutFlag     string
	hookTimeoutFlag     string
	retryDelayFlag      string
	rateFlag            float64
	failFastFlag        bool
	genericStrategyFlag string
	watchFlag           bool
	historyFlag         string
	logLevelFlag        string
	envFileFlag         string
	metricsFileFlag     string

	// Notification flags
	notifyFlag       string
	notifyOnFlag     string
	slackWebhookFlag string
	slackChannelFlag string
	teamsWebhookFlag string
)

func init() {
	// Core flags
	runCmd.Flags().StringVarP(&nameFlag, "name", "n", "", "Run only tests matching name pattern (* wildcards at either end)")
	runCmd.Flags().StringVarP(&tagsFlag, "tags", "t", getEnvString("KESTREL_TAGS", ""), "Run only tests with specified tags (comma-separated) (env: KESTREL_TAGS)")

	// Output flags
	runCmd.Flags().CountVarP(&verboseFlag, "verbose", "v", "Verbose output (-v for details, -vv to stream test progress)")
	runCmd.Flags().BoolVar(&noColorFlag, "no-color", getEnvBool("KESTREL_NO_COLOR", false), "Disable colored output (env: KESTREL_NO_COLOR)")
	runCmd.Flags().StringVarP(&outputFlag, "output", "o", getEnvString("KESTREL_OUTPUT", ""), "Output formats, comma-separated: console, json, junit, tap (env: KESTREL_OUTPUT)")
	runCmd.Flags().StringVar(&outputFileFlag, "output-file", getEnvString("KESTREL_OUTPUT_FILE", ""), "Write output to file (default: stdout) (env: KESTREL_OUTPUT_FILE)")
	runCmd.Flags().StringVar(&outputDirFlag, "output-dir", getEnvString("KESTREL_OUTPUT_DIR", ""), "Directory for machine-readable reports (env: KESTREL_OUTPUT_DIR)")
	runCmd.Flags().StringVar(&logLevelFlag, "log-level", getEnvString("KESTREL_LOG_LEVEL", ""), "Log level: debug, info, warn, error (env: KESTREL_LOG_LEVEL)")

	// Execution flags
	runCmd.Flags().IntVarP(&maxParallelFlag, "max-parallel", "p", getEnvInt("KESTREL_MAX_PARALLEL", 0), "Maximum tests running at once, 0 for one per CPU (env: KESTREL_MAX_PARALLEL)")
	runCmd.Flags().StringVar(&timeoutFlag, "timeout", getEnvString("KESTREL_TIMEOUT", ""), "Timeout for the whole run (e.g., 10m) (env: KESTREL_TIMEOUT)")
	runCmd.Flags().StringVar(&testTimeoutFlag, "test-timeout", getEnvString("KESTREL_TEST_TIMEOUT", ""), "Default timeout for tests without one (env: KESTREL_TEST_TIMEOUT)")
	runCmd.Flags().StringVar(&hookTimeoutFlag, "hook-timeout", getEnvString("KESTREL_HOOK_TIMEOUT", ""), "Timeout for each lifecycle hook (env: KESTREL_HOOK_TIMEOUT)")
	runCmd.Flags().StringVar(&retryDelayFlag, "retry-delay", getEnvString("KESTREL_RETRY_DELAY", ""), "Delay before a failed test is retried (env: KESTREL_RETRY_DELAY)")
	runCmd.Flags().Float64Var(&rateFlag, "rate", getEnvFloat("KESTREL_RATE", 0), "Maximum tests started per second, 0 for unlimited (env: KESTREL_RATE)")
	runCmd.Flags().BoolVar(&failFastFlag, "fail-fast", getEnvBool("KESTREL_FAIL_FAST", false), "Cancel remaining tests after the first failure (env: KESTREL_FAIL_FAST)")
	runCmd.Flags().StringVar(&genericStrategyFlag, "generic-strategy", getEnvString("KESTREL_GENERIC_STRATEGY", ""), "Generic type resolution: aot or runtime (env: KESTREL_GENERIC_STRATEGY)")
	runCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Watch files for changes and re-run tests")
	runCmd.Flags().StringVar(&envFileFlag, "env-file", getEnvString("KESTREL_ENV_FILE", ""), "Load variables for test commands from dotenv files (comma-separated) (env: KESTREL_ENV_FILE)")
	runCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", getEnvString("KESTREL_METRICS_FILE", ""), "Write run metrics in Prometheus text format to this file (env: KESTREL_METRICS_FILE)")
	runCmd.Flags().StringVar(&historyFlag, "history", getEnvString("KESTREL_HISTORY", ""), "Record runs in this SQLite database (env: KESTREL_HISTORY)")

	// Notification flags
	runCmd.Flags().StringVar(&notifyFlag, "notify", getEnvString("KESTREL_NOTIFY", ""), "Notification services: slack, teams (env: KESTREL_NOTIFY)")
	runCmd.Flags().StringVar(&notifyOnFlag, "notify-on", getEnvString("KESTREL_NOTIFY_ON", ""), "When to notify: always, failure, success, recovery (env: KESTREL_NOTIFY_ON)")
	runCmd.Flags().StringVar(&slackWebhookFlag, "slack-webhook", getEnvString("SLACK_WEBHOOK", ""), "Slack webhook URL (env: SLACK_WEBHOOK)")
	runCmd.Flags().StringVar(&slackChannelFlag, "slack-channel", getEnvString("SLACK_CHANNEL", ""), "Slack channel override (env: SLACK_CHANNEL)")
	runCmd.Flags().StringVar(&teamsWebhookFlag, "teams-webhook", getEnvString("TEAMS_WEBHOOK", ""), "Microsoft Teams webhook URL (env: TEAMS_WEBHOOK)")
}

// Environment variable helpers
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// flagConfig turns the run flags into a config that only sets what the user
// asked for, so merging it keeps file values for everything else.
func flagConfig() (*config.Config, error) {
	c := &config.Config{
		MaxParallel:     maxParallelFlag,
		AdmissionRate:   rateFlag,
		GenericStrategy: genericStrategyFlag,
		History:         historyFlag,
		MetricsFile:     metricsFileFlag,
		EnvFiles:        splitList(envFileFlag),
		OutputDir:       outputDirFlag,
		Reporters:       splitList(outputFlag),
		Logging:         config.LoggingConfig{Level: config.LogLevel(logLevelFlag)},
		Notify: config.NotifyConfig{
			On:           notifyOnFlag,
			SlackWebhook: slackWebhookFlag,
			SlackChannel: slackChannelFlag,
			TeamsWebhook: teamsWebhookFlag,
		},
	}

	durations := []struct {
		flag  string
		value string
		dst   *config.Duration
	}{
		{"timeout", timeoutFlag, &c.RunTimeout},
		{"test-timeout", testTimeoutFlag, &c.DefaultTestTimeout},
		{"hook-timeout", hookTimeoutFlag, &c.HookTimeout},
		{"retry-delay", retryDelayFlag, &c.RetryDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s value %q: %w (use format like 30s, 1m, 500ms)", d.flag, d.value, err)
		}
		*d.dst = config.Duration(v)
	}

	if failFastFlag {
		c.FailFast = config.BoolPtr(true)
	}
	if noColorFlag {
		c.NoColor = config.BoolPtr(true)
	}
	return c, nil
}

// loadRunConfig loads the config file, applies flag overrides and scales
// timeouts for slow environments.
func loadRunConfig() (*config.Config, error) {
	fileConfig, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	overrides, err := flagConfig()
	if err != nil {
		return nil, err
	}
	cfg := fileConfig.Merge(overrides).Scaled()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runSession holds what stays the same across watch-mode re-runs.
type runSession struct {
	out      io.Writer
	errOut   io.Writer
	cfg      *config.Config
	runCfg   *runner.Config
	logger   *slog.Logger
	store    *history.Store
	notifier *notify.Manager
	hardStop <-chan struct{}
	env      config.Environment
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}

	logger, closer, err := logging.NewFromConfig(cfg, ".", cmd.ErrOrStderr())
	if err != nil {
		return withExitCode(ExitConfigError, fmt.Errorf("cannot open log file: %w", err))
	}
	if closer != nil {
		defer closer.Close()
	}

	if len(cfg.EnvFiles) > 0 {
		n, err := suite.ExportEnvFiles(cfg.EnvFiles...)
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		logger.Debug("env files loaded", "files", cfg.EnvFiles, "exported", n)
	}

	runCfg, err := runner.ConfigFrom(cfg)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	runCfg.Filter = runner.Filter{Name: nameFlag, Tags: splitList(tagsFlag)}

	var store *history.Store
	if cfg.History != "" {
		store, err = history.Open(cfg.History)
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		defer store.Close()
	}

	notifier, err := buildNotifier(cmd.Context(), cfg, store, logger)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}

	ctx, hardStop, stop := interruptContext(cmd.Context(), cmd.ErrOrStderr())
	defer stop()

	s := &runSession{
		out:      cmd.OutOrStdout(),
		errOut:   cmd.ErrOrStderr(),
		cfg:      cfg,
		runCfg:   runCfg,
		logger:   logger,
		store:    store,
		notifier: notifier,
		hardStop: hardStop,
		env:      config.DetectEnvironment(),
	}

	result, runErr := s.runOnce(ctx, args)
	if watchFlag && ctx.Err() == nil {
		return s.watch(ctx, args)
	}
	return exitStatus(ctx, result, runErr)
}

// exitStatus maps the outcome of a run to the command error.
func exitStatus(ctx context.Context, result *runner.RunResult, err error) error {
	if ctx.Err() != nil {
		return withExitCode(ExitInterrupted, nil)
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	if err != nil || result == nil || !result.Success() {
		return withExitCode(ExitTestFailure, nil)
	}
	return nil
}

// runOnce loads the suites, runs them and reports. Load and discovery
// errors come back as exit errors. A non-nil result may be returned with a
// run error such as a stall or run timeout.
func (s *runSession) runOnce(ctx context.Context, args []string) (*runner.RunResult, error) {
	rep, err := openReporters(s.cfg.Reporters, outputFileFlag, s.cfg.OutputDir, s.out, verboseFlag > 0, s.cfg.GetNoColor())
	if err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}
	defer rep.Close()

	rep.Header(version)

	catalog, files, err := suite.LoadPaths(args)
	if err != nil {
		return nil, withExitCode(ExitDiscoveryError, err)
	}
	s.logger.Debug("suites loaded", "files", len(files), "tests", len(catalog.Tests))

	opts := []runner.Option{
		runner.WithLogger(s.logger),
		runner.WithRecorder(metrics.New()),
		runner.WithHardStop(s.hardStop),
	}
	if verboseFlag > 1 {
		opts = append(opts, runner.WithReceivers(&progressReceiver{w: s.errOut}))
	}

	result, runErr := runner.NewRunner(s.runCfg, opts...).Run(ctx, catalog)
	if result == nil {
		if ctx.Err() != nil {
			return nil, runErr
		}
		return nil, withExitCode(ExitDiscoveryError, runErr)
	}
	if runErr != nil {
		rep.Error(runErr)
	}

	rep.Result(result)
	if err := rep.Flush(result.Duration); err != nil {
		return result, withExitCode(ExitConfigError, fmt.Errorf("error writing output: %w", err))
	}

	// The run is over; history and notifications still go out after Ctrl+C.
	s.finish(context.WithoutCancel(ctx), result)
	return result, runErr
}

func (s *runSession) finish(ctx context.Context, result *runner.RunResult) {
	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := s.notifier.Notify(nctx, notify.Summarize(result, s.env.Name)); err != nil {
			fmt.Fprintf(s.errOut, "warning: failed to send notification: %v\n", err)
		}
		cancel()
	}
	if s.cfg.MetricsFile != "" && result.Metrics != nil {
		var labels map[string]string
		if s.env.Name != "" {
			labels = map[string]string{"environment": s.env.Name}
		}
		if err := metrics.WriteTextfile(s.cfg.MetricsFile, result.Metrics, labels); err != nil {
			fmt.Fprintf(s.errOut, "warning: failed to write metrics: %v\n", err)
		}
	}
	if s.store != nil {
		if err := s.store.Record(ctx, result); err != nil {
			s.logger.Warn("failed to record run history", "error", err)
		}
	}
}

// buildNotifier returns nil when no notification service is configured.
func buildNotifier(ctx context.Context, cfg *config.Config, store *history.Store, logger *slog.Logger) (*notify.Manager, error) {
	services := splitList(notifyFlag)
	if len(services) == 0 {
		if cfg.Notify.SlackWebhook != "" {
			services = append(services, "slack")
		}
		if cfg.Notify.TeamsWebhook != "" {
			services = append(services, "teams")
		}
	}
	if len(services) == 0 {
		return nil, nil
	}

	notifyOn, err := notify.ParseNotifyOn(cfg.Notify.On)
	if err != nil {
		return nil, err
	}

	opts := []notify.ManagerOption{notify.WithLogger(logger)}
	if store != nil {
		last, err := store.Last(ctx)
		if err != nil {
			logger.Warn("cannot read previous run", "error", err)
		} else if last != nil {
			opts = append(opts, notify.WithPreviousOutcome(last.Success))
		}
	}
	manager := notify.NewManager(notifyOn, opts...)

	for _, service := range services {
		switch strings.ToLower(service) {
		case "slack":
			if cfg.Notify.SlackWebhook == "" {
				return nil, fmt.Errorf("--slack-webhook is required when using --notify slack")
			}
			var slackOpts []notify.SlackOption
			if cfg.Notify.SlackChannel != "" {
				slackOpts = append(slackOpts, notify.WithSlackChannel(cfg.Notify.SlackChannel))
			}
			manager.AddNotifier(notify.NewSlackNotifier(cfg.Notify.SlackWebhook, slackOpts...))
		case "teams":
			if cfg.Notify.TeamsWebhook == "" {
				return nil, fmt.Errorf("--teams-webhook is required when using --notify teams")
			}
			manager.AddNotifier(notify.NewTeamsNotifier(cfg.Notify.TeamsWebhook))
		default:
			return nil, fmt.Errorf("unknown notification service %q (want slack or teams)", service)
		}
	}

	return manager, nil
}

// interruptContext cancels the returned context on the first interrupt and
// closes hardStop on the second, which abandons in-flight cleanup hooks.
func interruptContext(parent context.Context, w io.Writer) (context.Context, <-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(parent)
	hardStop := make(chan struct{})
	done := make(chan struct{})

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		interrupts := 0
		for {
			select {
			case <-sigs:
				interrupts++
				if interrupts == 1 {
					fmt.Fprintln(w, "\nInterrupted: cancelling tests, running cleanup (press Ctrl+C again to stop now)")
					cancel()
					continue
				}
				close(hardStop)
				return
			case <-done:
				return
			}
		}
	}()

	return ctx, hardStop, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/quelocker/que"
	"github.com/quelocker/que/internal/config"
	"github.com/quelocker/que/internal/logx"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var printVersion bool

var flagPollInterval float64
var flagLogLevel string
var flagQueueNames []string
var flagWorkerCount int
var flagConnectionURL string
var flagLogInternals bool
var flagMaximumBufferSize int
var flagMinimumBufferSize int
var flagWaitPeriod float64
var flagWorkerPriorities []string
var flagGenerateConfig string

var rootCmd = &cobra.Command{
	Use:           "que-locker [config-file]",
	Short:         "Postgres-backed job queue Locker daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MaximumNArgs(1),
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	defaults := config.Defaults()

	flags.BoolVarP(&printVersion, "version", "v", false, "Print version and exit")
	flags.Float64VarP(&flagPollInterval, "poll-interval", "i", defaults.PollInterval, "Default poll interval, in seconds")
	flags.StringVarP(&flagLogLevel, "log-level", "l", defaults.LogLevel, "Stdout log level: debug, info, warn, error, fatal")
	flags.StringArrayVarP(&flagQueueNames, "queue-name", "q", nil, "Queue to poll, optionally name=interval_seconds (repeatable)")
	flags.IntVarP(&flagWorkerCount, "worker-count", "w", defaults.WorkerCount, "Worker pool size")
	flags.StringVar(&flagConnectionURL, "connection-url", "", "Postgres connection URL, overrides config/env")
	flags.BoolVar(&flagLogInternals, "log-internals", false, "Verbose internal logging")
	flags.IntVar(&flagMaximumBufferSize, "maximum-buffer-size", defaults.MaximumBufferSize, "Buffer high water mark")
	flags.IntVar(&flagMinimumBufferSize, "minimum-buffer-size", defaults.MinimumBufferSize, "Buffer low water mark (refill trigger)")
	flags.Float64Var(&flagWaitPeriod, "wait-period", defaults.WaitPeriod, "Poll-loop tick, in milliseconds")
	flags.StringSliceVar(&flagWorkerPriorities, "worker-priorities", defaults.WorkerPriorities, "Comma-separated worker priority ceilings")
	flags.StringVar(&flagGenerateConfig, "generate-config", "", "Write a starting-point que.toml to the given path and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if printVersion {
		fmt.Fprintf(cmd.OutOrStdout(), "que-locker %s\n", version)
		return nil
	}

	if flagGenerateConfig != "" {
		if err := config.WriteSample(flagGenerateConfig, config.Defaults()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flagGenerateConfig)
		return nil
	}

	settings, err := loadSettings(args)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &settings)

	logger, err := logx.New(settings.LogLevel, settings.LogInternals)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logx.Component(logger, "que.main")

	connURL := flagConnectionURL
	if connURL == "" {
		connURL = settings.ConnectionURL
	}
	if connURL == "" {
		connURL = os.Getenv("QUE_CONNECTION_URL")
	}
	if connURL == "" {
		return fmt.Errorf("no database connection configured: set --connection-url, connection_url in the config file, or QUE_CONNECTION_URL")
	}

	lockerCfg, err := settings.ToLockerConfig()
	if err != nil {
		return err
	}
	lockerCfg.WorkMap = que.WorkMap{}
	lockerCfg.Logger = logger

	pgCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return fmt.Errorf("parse connection url: %w", err)
	}
	pgCfg.AfterConnect = que.PrepareStatements

	pgPool, err := pgxpool.NewWithConfig(context.Background(), pgCfg)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pgPool.Close()

	pool := que.NewPool(pgPool)
	locker, err := que.NewLocker(pool, lockerCfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := locker.Start(ctx); err != nil {
		return fmt.Errorf("start locker: %w", err)
	}
	log.Infow("que-locker running", "worker_count", lockerCfg.WorkerCount)

	<-ctx.Done()
	log.Infow("shutdown signal received, stopping locker")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := locker.StopNow(stopCtx); err != nil {
		return fmt.Errorf("stop locker: %w", err)
	}

	log.Infow("que-locker stopped")
	return nil
}

// loadSettings loads the positional config file if given, otherwise falls
// back to the conventional file (spec.md §6's "files to load before
// start... else a conventional environment file... else exit 1").
func loadSettings(args []string) (config.Settings, error) {
	if len(args) == 1 {
		return config.LoadFile(args[0])
	}

	if _, err := os.Stat(config.ConventionalFile); err == nil {
		path, absErr := filepath.Abs(config.ConventionalFile)
		if absErr != nil {
			path = config.ConventionalFile
		}
		return config.LoadFile(path)
	}

	return config.Settings{}, fmt.Errorf("no config file given and no %s in the working directory", config.ConventionalFile)
}

// applyFlagOverrides layers explicitly-set CLI flags over whatever the
// config file/environment produced, flag-by-flag so an unset flag never
// clobbers a file-provided value with its own default.
func applyFlagOverrides(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()

	if flags.Changed("poll-interval") {
		s.PollInterval = flagPollInterval
	}
	if flags.Changed("log-level") {
		s.LogLevel = flagLogLevel
	}
	if flags.Changed("log-internals") {
		s.LogInternals = flagLogInternals
	}
	if flags.Changed("queue-name") {
		s.QueueNames = flagQueueNames
	}
	if flags.Changed("worker-count") {
		s.WorkerCount = flagWorkerCount
	}
	if flags.Changed("maximum-buffer-size") {
		s.MaximumBufferSize = flagMaximumBufferSize
	}
	if flags.Changed("minimum-buffer-size") {
		s.MinimumBufferSize = flagMinimumBufferSize
	}
	if flags.Changed("wait-period") {
		s.WaitPeriod = flagWaitPeriod
	}
	if flags.Changed("worker-priorities") {
		s.WorkerPriorities = flagWorkerPriorities
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

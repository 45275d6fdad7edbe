package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/spycy/config"
	"github.com/jnesss/spycy/connector"
	"github.com/jnesss/spycy/daemon"
	"github.com/jnesss/spycy/database"
	"github.com/jnesss/spycy/filter"
	"github.com/jnesss/spycy/process"
	"github.com/jnesss/spycy/usage"
	"github.com/jnesss/spycy/web"
)

var (
	configPath  string
	logLevel    string
	logEncoding string
	logCaller   bool
	ignoreRules string
	listenAddr  string

	rootCmd = &cobra.Command{
		Use:   "spycy [database]",
		Short: "Record how long each program runs, per user",
		Long: `spycy listens to the kernel process events connector and adds up the
wall-clock time every executable spends running, per user, in a SQLite
database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config",
		getEnvOr("SPYCY_CONFIG", ""),
		"Path to a YAML config file")
	flags.StringVar(&logLevel, "log-level",
		getEnvOr("LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	flags.StringVar(&logEncoding, "log-encoding",
		getEnvOr("LOG_ENCODING", ""),
		"Log encoding (console, json)")
	flags.BoolVar(&logCaller, "log-caller",
		getEnvBoolOr("LOG_CALLER", false),
		"Log caller")
	flags.StringVar(&ignoreRules, "ignore-rules",
		getEnvOr("SPYCY_IGNORE_RULES", ""),
		"Directory of Sigma rules matching executables not to track")
	flags.StringVar(&listenAddr, "listen",
		getEnvOr("SPYCY_LISTEN", ""),
		"Address for the status server (disabled when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(daemon.ExitStartup)
	}
}

// loadConfig merges the config file, the environment, flags and the
// positional database argument, in increasing order of precedence.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	o := config.Overrides{
		LogLevel:    logLevel,
		LogEncoding: logEncoding,
		IgnoreRules: ignoreRules,
		Listen:      listenAddr,
	}
	if _, ok := os.LookupEnv("LOG_CALLER"); ok || cmd.Flags().Changed("log-caller") {
		o.LogCaller = &logCaller
	}
	if len(args) == 1 {
		o.Database = args[0]
	}
	cfg.Apply(o)

	if cfg.LogEncoding == "" {
		cfg.LogEncoding = defaultLogEncoding()
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	logger, err := initLogger(cfg.LogLevel, cfg.LogEncoding, cfg.LogCaller)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	checkPrivileges(logger)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		logger.Error("failed to open database", zap.String("path", cfg.Database), zap.Error(err))
		return err
	}
	if err := giveToOriginalUser(cfg.Database); err != nil {
		logger.Debug("database ownership unchanged", zap.Error(err))
	}

	resolver, err := process.NewResolver()
	if err != nil {
		db.Close()
		return err
	}
	gateway := database.NewGateway(db, resolver, logger.Named("database"))

	var (
		opts    []usage.Option
		rules   web.RuleLister
		ignorer *filter.Filter
	)
	if cfg.IgnoreRules != "" {
		ignorer, err = filter.New(cfg.IgnoreRules, resolver, logger.Named("filter"))
		if err != nil {
			logger.Error("failed to load ignore rules", zap.String("dir", cfg.IgnoreRules), zap.Error(err))
			db.Close()
			return err
		}
		opts = append(opts, usage.WithIgnorer(ignorer))
		rules = ignorer
	}

	agg := usage.New(resolver, gateway, logger.Named("usage"), opts...)

	reader, err := connector.Dial(logger.Named("connector"))
	if err != nil {
		logger.Error("failed to subscribe to process events", zap.Error(err))
		if ignorer != nil {
			ignorer.Close()
		}
		db.Close()
		return err
	}

	webCtx, stopWeb := context.WithCancel(context.Background())
	defer stopWeb()

	exit := func(code int) {
		stopWeb()
		if ignorer != nil {
			ignorer.Close()
		}
		syncLogger(logger)
		os.Exit(code)
	}
	d := daemon.New(reader, agg, gateway, logger.Named("daemon"), daemon.WithExit(exit))

	if cfg.Listen != "" {
		srv := web.NewServer(db, rules, cfg.Listen, logger.Named("web"))
		go func() {
			if err := srv.Start(webCtx); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range sig {
			logger.Info("received signal, shutting down", zap.Stringer("signal", s))
			d.Terminate(daemon.ExitOK)
		}
	}()

	logger.Info("process monitoring started", zap.String("database", cfg.Database))
	if err := d.Run(context.Background()); err != nil {
		logger.Error("event loop stopped", zap.Error(err))
	}

	// only reached when closing storage was deferred; a later signal retries it
	<-d.Done()
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/metricsbuffer/internal/migrate"
	"github.com/ethpandaops/metricsbuffer/internal/service"
	"github.com/ethpandaops/metricsbuffer/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metricsbuffer",
		Short: "Buffering proxy for time-series metrics",
		Long: `metricsbuffer accepts metric records over HTTP, buffers them per
namespace and flushes them to a time-series backend on a fixed interval
in chunks of at most 1000 records. Remaining records are flushed on
SIGINT/SIGTERM before exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (optional; environment overrides apply)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(versionCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse sink schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				v, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Printf("version: %d, dirty: %t\n", v, dirty)

				return nil
			},
		},
	)

	return cmd
}

func newLogger(cfg *service.Config) (*logrus.Logger, error) {
	log := logrus.New()

	if cfg.LogFormat == service.LogFormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// CLI flag overrides config file and environment.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, nil
}

func loadConfig() (*service.Config, *logrus.Logger, error) {
	cfg, err := service.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	return cfg, log, nil
}

func newMigrator() (migrate.Migrator, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ch := cfg.Sink.ClickHouse
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("sink.clickhouse: %w", err)
	}

	if err := migrate.CheckTable(ch.Table); err != nil {
		return nil, fmt.Errorf("sink.clickhouse.table: %w", err)
	}

	return migrate.New(log, ch.DSN()), nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	svc, err := service.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting metricsbuffer")

	if err := svc.Start(ctx); err != nil {
		stop(log, svc, cfg)

		return fmt.Errorf("starting service: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down metricsbuffer")

	if err := stop(log, svc, cfg); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}

func stop(log logrus.FieldLogger, svc service.Service, cfg *service.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := svc.Stop(ctx); err != nil {
		log.WithError(err).Error("Error during shutdown")

		return err
	}

	return nil
}

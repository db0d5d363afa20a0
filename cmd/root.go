// Package cmd defines and implements the CLI commands for the namus-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/config"
	"github.com/JakeFAU/namus-crawler/internal/logging"
	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
	"github.com/JakeFAU/namus-crawler/internal/server"
)

// App is what subcommands need from the application. *server.App satisfies it.
type App interface {
	Partitions(ctx context.Context) ([]namus.Partition, error)
	Crawl(ctx context.Context) (pipeline.Output, error)
	Close(ctx context.Context) error
}

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:   "namus-crawler",
		Short: "Collects case records from the NamUs case-set API.",
		Long: `namus-crawler discovers every state, collects the case identifiers of the
selected category in each state, and fetches every case body with a bounded
number of requests in flight.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")
	flags.String("category", "", "case category: missing, unidentified, or unclaimed")
	flags.Int("concurrency", 0, "maximum requests in flight")
	flags.String("base-url", "", "NamUs API base URL")
	mustBind(v, "namus.category", flags.Lookup("category"))
	mustBind(v, "crawler.concurrency", flags.Lookup("concurrency"))
	mustBind(v, "namus.base_url", flags.Lookup("base-url"))

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newPartitionsCmd())
	return cmd
}

func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp hands the application to run and closes it afterwards, whether or
// not run succeeded.
func withApp(run func(cmd *cobra.Command, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(cmd.Context(), appInstance)
		return run(cmd, appInstance)
	}
}

func closeApp(ctx context.Context, appInstance App) {
	logger := zap.L()
	// The run context may already be canceled; flushing still gets a chance.
	if err := appInstance.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown was not clean", zap.Error(err))
	}
	_ = logger.Sync()
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

package textheads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/textheads/pkg/config"
	"github.com/soundprediction/textheads/pkg/logger"
	"github.com/soundprediction/textheads/pkg/telemetry"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "textheads",
		Short: "textheads: masked-LM example builder and Retro-Reader tools",
		Long: `textheads builds fixed-shape masked language model training examples
from plain-text corpora and applies Retro-Reader answerability decisions
to stored reader scores.

Corpora are plain text, one sentence per line, with blank lines between
documents. Gzip, zstd, xz and lz4 files are decompressed on the fly.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and runs it until
// completion or an interrupt.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.textheads.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".textheads")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		cobra.CheckErr(fmt.Errorf("failed to read config file: %w", err))
	}
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the command logger: colored text on stderr, wrapped by
// the telemetry handlers that are configured. close flushes them.
func newLogger(cfg *config.Config) (log *slog.Logger, close func() error, err error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	colorHandler := logger.NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	switch cfg.Log.Color {
	case "always":
		colorHandler = colorHandler.WithColor(true)
	case "never":
		colorHandler = colorHandler.WithColor(false)
	}

	var handler slog.Handler = colorHandler
	var closers []func() error

	if cfg.Telemetry.ParquetPath != "" {
		parquetHandler, err := telemetry.NewParquetHandler(handler, cfg.Telemetry.ParquetPath)
		if err != nil {
			return nil, nil, err
		}
		handler = parquetHandler
		closers = append(closers, parquetHandler.Close)
	}

	if cfg.Telemetry.SQLDSN != "" {
		db, err := telemetry.OpenSQL(cfg.Telemetry.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		sqlHandler, err := telemetry.NewSQLHandler(handler, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		handler = sqlHandler
		closers = append(closers, db.Close)
	}

	close = func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return slog.New(handler), close, nil
}

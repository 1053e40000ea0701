package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/config"
	"github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	configPath string
	logLevel   string
	logFormat  string

	// cfg is loaded once per invocation in PersistentPreRunE
	cfg *config.Config

	closeLogOutput = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "dirmeta",
		Short: "manage per-directory metadata sidecar documents",
		Long: fmt.Sprintf(`dirmeta (v%s)

Reads and updates the metadata document kept next to the assets of a
directory. Updates are buffered, merged and written atomically under an
advisory lock so concurrent writers never lose each other's changes.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dirmeta",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dirmeta v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/dirmeta/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads .env files and the configuration, then configures the logger.
func setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	config.ApplyDefaults(loaded)
	if err := config.Validate(loaded); err != nil {
		return err
	}
	cfg = loaded

	closer, err := configureLogging(cmd, cfg.Logging)
	if err != nil {
		return err
	}
	closeLogOutput = closer

	logger.Debug("Configuration loaded: log_level=%s file_name=%s", cfg.Logging.Level, cfg.Store.FileName)
	return nil
}

// stdoutAnnotation marks commands whose stdout carries results. Their logs go
// to stderr even when logging.output is stdout.
const stdoutAnnotation = "dirmeta/stdout"

var reservedStdout = map[string]string{stdoutAnnotation: "reserved"}

// configureLogging points the logger at the configured output and applies
// level and format.
func configureLogging(cmd *cobra.Command, lc config.LoggingConfig) (func() error, error) {
	output := lc.Output
	if strings.EqualFold(output, "stdout") && cmd.Annotations[stdoutAnnotation] != "" {
		output = "stderr"
	}

	out, closer, err := logger.OpenOutput(output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)
	logger.SetLevel(lc.Level)
	logger.SetFormat(lc.Format)
	return closer, nil
}

func teardown(*cobra.Command, []string) error {
	return closeLogOutput()
}

// openRegistry builds a registry from the loaded configuration.
func openRegistry(m *config.MetricsResult) (*registry.Registry, error) {
	reg, err := config.InitializeRegistry(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	return reg, nil
}

// closeRegistry flushes and closes every store, bounded by the configured
// close timeout per store.
func closeRegistry(reg *registry.Registry) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.CloseTimeout+5*time.Second)
	defer cancel()
	return reg.Close(ctx)
}

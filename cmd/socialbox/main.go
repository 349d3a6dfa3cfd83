package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"socialbox/pkg/app"
	"socialbox/pkg/config"
)

var version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socialbox",
		Short: "Federated peer identity server",
		Long: `Socialbox serves the peers of one domain and federates with other domains
discovered through DNS TXT records.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.toml or .json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		dnsRecordCmd(),
		resolveCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config when given and SOCIALBOX_* variables otherwise.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.LoadFromEnv(), nil
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Instance.ListenAddress = listen
			}
			cfg.MustValidate()

			logger.Info("Starting socialbox",
				zap.String("domain", cfg.Instance.Domain),
				zap.String("endpoint", cfg.Instance.RPCEndpoint),
				zap.String("version", version))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := app.New(app.Options{
				Config:  cfg,
				Logger:  logger,
				Version: version,
				Verbose: verbose,
			})
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			logger.Info("Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override instance.listen_address")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Socialbox v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

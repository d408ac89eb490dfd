package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/cardsigner/internal/config"
)

// globalFlags 由所有子命令共享。
type globalFlags struct {
	configPath string
	endpoint   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "cardsign",
		Short:         "Sign documents with the local smartcard signing agent",
		Long:          `cardsign sends batches of documents to the locally running smartcard signing agent over WebSocket and writes back the signed results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.endpoint, "endpoint", "", "Signing agent WebSocket endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newSignCmd(flags),
		newServeCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

// load 读取配置并叠加命令行覆盖项。
func (f *globalFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.endpoint != "" {
		cfg.Agent.Endpoint = f.endpoint
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, config.NewLogger(cfg.Log, os.Stderr), nil
}

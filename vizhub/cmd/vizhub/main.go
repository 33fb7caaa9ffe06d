package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	// Compute backends register themselves by name.
	_ "github.com/tomyedwab/vizhub/vizhub/compute/local"
	_ "github.com/tomyedwab/vizhub/vizhub/compute/slurm"
	_ "github.com/tomyedwab/vizhub/vizhub/compute/stub"
	"github.com/tomyedwab/vizhub/vizhub/config"
)

var rootCmd = &cobra.Command{
	Use:   "vizhub",
	Short: "Launch and route trame visualization apps and ParaView servers",
	Long: `vizhub discovers trame apps under $JUPYTER_PATH/trame, launches them on
private ports with a per-instance auth token and proxies their traffic under
<base>/trame/<id>/. ParaView servers are submitted to the configured compute
backend (slurm, local or stub).`,
	SilenceUsage: true,
}

var debugLogging bool

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

// loadConfig resolves the configuration for a command.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path, os.Getenv)
	if err != nil {
		return cfg, err
	}
	if err := config.ApplyFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugLogging {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command logflume runs the embedded log collection pipeline.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"logflume/internal/config"
	"logflume/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "logflume",
		Short: "Embedded log collection pipeline",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCommand(), invokeCommand(), statsCommand(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger creates the base logger all components share.
func buildLogger(levelName string) (*slog.Logger, error) {
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

// loadConfig wraps config.Load so every command fails fast the same way.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

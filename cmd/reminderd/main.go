// Command reminderd runs the reminder worker: it persists scheduled habit and
// task reminders, arms in-process timers for them, re-arms them after a
// restart and delivers them to connected notification clients.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-reminder-worker/internal/config"
	"github.com/tbourn/go-reminder-worker/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "reminderd",
		Short:         "Durable reminder scheduling and delivery worker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(pendingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env (if present) and the environment, then installs the
// global logger.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	return cfg, nil
}

func version() string {
	return sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), Version)
}

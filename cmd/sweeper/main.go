package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ogsolar-core/config"
	"ogsolar-core/internal/app"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "sweeper",
		Short:         "Operational tasks for the OG Solar payment core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(issueTokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp builds the services for one command run and releases them after.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg := config.LoadConfig()
	log := config.NewLogger(cfg)
	// progress goes to stdout; keep the service logs quiet unless asked
	if os.Getenv("LOG_LEVEL") == "" {
		log.SetLevel(logrus.WarnLevel)
	}
	log.SetOutput(cmd.ErrOrStderr())

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

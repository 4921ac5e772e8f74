package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"lexdesk/attachments/internal/config"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "attachmentsd: %v\n", err)
		}
		return 1
	}
	return 0
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configDir string
}

func (o *rootOptions) register(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configDir, "config-dir", "c", ".", "directory holding config.yaml (environment variables override it)")
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.LoadConfig(o.configDir)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "attachmentsd",
		Short:         "attachmentsd stores, relocates and serves file attachments of business entities",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Local development with in-memory metadata and objects
  DATABASE_DRIVER=memory STORAGE_DRIVER=memory JWT_SECRET=dev attachmentsd serve

  # Apply PostgreSQL migrations
  DATABASE_DSN=postgres://attachments:secret@db:5432/attachments attachmentsd migrate`,
	}
	opts.register(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newPurgeCommand(opts),
		newOwnersCommand(opts),
	)
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

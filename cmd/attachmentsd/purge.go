package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newPurgeCommand deletes expired attachments. Meant to be run by an external
// scheduler such as a Kubernetes CronJob.
func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete attachments whose expiry has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			total := 0
			for {
				n, err := a.attachments.PurgeExpired(cmd.Context(), time.Now().UTC(), batch)
				if err != nil {
					return err
				}
				total += n
				if n < batch {
					break
				}
			}
			a.log.Info("Purge finished", zap.Int("purged", total))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d attachments\n", total)
			return err
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 100, "records deleted per round")
	return cmd
}

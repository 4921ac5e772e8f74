package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"lexdesk/attachments/internal/domain"
)

// newOwnersCommand maintains the owner directory, which maps owning entities
// to the team their keys are scoped by.
func newOwnersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "Manage the owner directory",
	}

	var (
		kind   string
		id     int64
		teamID int64
	)
	put := &cobra.Command{
		Use:   "put",
		Short: "Register an owner or change its team",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerKind, err := domain.ParseOwnerKind(kind)
			if err != nil {
				return err
			}
			if id <= 0 || teamID <= 0 {
				return errors.New("--id and --team must be positive")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			owner := domain.Owner{Ref: domain.OwnerRef{Kind: ownerKind, ID: id}, TeamID: teamID}
			if err := a.db.Owners().Upsert(cmd.Context(), owner); err != nil {
				return fmt.Errorf("upsert owner: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> team %d\n", owner.Ref, owner.TeamID)
			return err
		},
	}
	put.Flags().StringVar(&kind, "kind", "", "owner kind (Office, UserProfile, Job, Work, TempUpload)")
	put.Flags().Int64Var(&id, "id", 0, "owner id")
	put.Flags().Int64Var(&teamID, "team", 0, "team id")
	_ = put.MarkFlagRequired("kind")

	cmd.AddCommand(put)
	return cmd
}

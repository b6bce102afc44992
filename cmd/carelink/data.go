package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carelink.app/internal/docstore"
	"carelink.app/internal/referral"
	"carelink.app/internal/seed"
)

func seedCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demonstration patients, nurses and referrals",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.client.Store(cmd.Context())
			if err != nil {
				return err
			}
			res, seeded, err := seed.Seed(cmd.Context(), store, seed.Options{Password: password})
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"seeded": seeded, "result": res}, func() {
				if !seeded {
					fmt.Fprintln(cmd.OutOrStdout(), "store already holds patients, nothing seeded")
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d patients, %d nurses, %d referrals (password %q)\n",
					res.Patients, res.Nurses, res.Referrals, valueOr(password, seed.DemoPassword))
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password for every seeded account (default demo123)")
	return cmd
}

func clearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every local document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			store, err := a.client.Store(cmd.Context())
			if err != nil {
				return err
			}
			n, err := seed.Clear(cmd.Context(), store)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]int{"removed": n}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d documents\n", n)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal")
	return cmd
}

func boardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show referrals grouped by pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			refs, err := mgr.List(cmd.Context(), docstore.All())
			if err != nil {
				return err
			}
			now := time.Now()
			views := make([]referral.View, len(refs))
			for i, r := range refs {
				views[i] = referral.NewView(r, now)
			}
			cols := referral.Board(views)
			return a.print(cmd, cols, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, col := range cols {
					fmt.Fprintf(tw, "%s (%d, %d overdue)\n", col.Status, len(col.Referrals), col.Overdue)
					for _, v := range col.Referrals {
						flag := ""
						if v.IsOverdue {
							flag = "OVERDUE"
						}
						synced := "pending sync"
						if v.Synced {
							synced = "synced"
						}
						fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%dd\t%s\t%s\n",
							v.ID, v.PatientName, v.Priority, v.FacilityID, v.DaysSinceCreated, synced, flag)
					}
				}
				_ = tw.Flush()
			})
		},
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

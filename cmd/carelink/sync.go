package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carelink.app/internal/client"
	"carelink.app/internal/identity"
	"carelink.app/internal/syncengine"
)

func syncCmd(a *app) *cobra.Command {
	var (
		role string
		once bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate patients and referrals with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := identity.Role(role)
			if r != identity.RoleNurse && r != identity.RolePatient {
				return fmt.Errorf("unknown role %q", role)
			}
			ctx := cmd.Context()
			if err := a.client.StartSync(ctx, r); err != nil {
				return err
			}
			defer a.client.StopSync()

			if once {
				for _, id := range []string{client.PatientsSyncID, client.ReferralsSyncID} {
					sess, ok := a.client.Session(id)
					if !ok {
						continue
					}
					if _, err := sess.PushNow(ctx); err != nil && !errors.Is(err, syncengine.ErrPushDisabled) {
						return err
					}
					if _, err := sess.PullNow(ctx); err != nil {
						return err
					}
				}
				statuses := a.client.SyncStatus()
				return a.print(cmd, statuses, func() { printStatuses(cmd, statuses) })
			}

			errs := a.client.SyncErrors()
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			fmt.Fprintf(cmd.OutOrStdout(), "syncing as %s, press Ctrl+C to stop\n", r)
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-errs:
					fmt.Fprintln(cmd.ErrOrStderr(), "sync error:", err)
				case <-ticker.C:
					printStatuses(cmd, a.client.SyncStatus())
				}
			}
		},
	}
	cmd.Flags().StringVar(&role, "role", string(identity.RoleNurse), "nurse (push and pull) or patient (pull only)")
	cmd.Flags().BoolVar(&once, "once", false, "Push and pull once, then exit")
	return cmd
}

func printStatuses(cmd *cobra.Command, statuses []syncengine.Status) {
	for _, s := range statuses {
		state := "ok"
		if s.Erroring {
			state = "erroring: " + s.LastError
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-26s %-14s pulled=%d pushed=%d %s\n", s.ID, s.Direction, s.Pulled, s.Pushed, state)
	}
}

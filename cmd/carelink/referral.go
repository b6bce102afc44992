package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"carelink.app/internal/docstore"
	"carelink.app/internal/facility"
	"carelink.app/internal/referral"
)

func referralCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "referral",
		Short: "Create and manage referrals",
	}
	cmd.AddCommand(referralCreateCmd(a))
	cmd.AddCommand(referralListCmd(a))
	cmd.AddCommand(referralTransitionCmd(a))
	cmd.AddCommand(referralRequestCmd(a))
	cmd.AddCommand(referralDecisionCmd(a, "approve", "approved", "Apply the outstanding change request"))
	cmd.AddCommand(referralDecisionCmd(a, "deny", "denied", "Discard the outstanding change request"))
	cmd.AddCommand(referralMarkSyncedCmd(a))
	return cmd
}

// parseWhen accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseWhen(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC 3339", raw)
	}
	return &t, nil
}

func referralCreateCmd(a *app) *cobra.Command {
	var (
		in          referral.NewReferral
		priority    string
		appointment string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending referral",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			if in.PatientName == "" && in.PatientID != "" {
				dir, err := a.client.Patients(cmd.Context())
				if err != nil {
					return err
				}
				if p, ok := dir.Get(in.PatientID); ok {
					in.PatientName = p.Name
					if in.PatientPhone == "" {
						in.PatientPhone = p.Phone
					}
				}
			}
			in.Priority = referral.Priority(priority)
			if in.AppointmentDate, err = parseWhen(appointment); err != nil {
				return err
			}
			r, err := mgr.CreateReferral(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.print(cmd, r, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "created referral %s for %s (%s)\n", r.ID, r.PatientName, r.Status)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "Patient id")
	f.StringVar(&in.PatientName, "patient-name", "", "Patient name (looked up from --patient when empty)")
	f.StringVar(&in.PatientPhone, "phone", "", "Patient phone")
	f.StringVar(&in.Diagnosis, "diagnosis", "", "Clinical diagnosis")
	f.StringVar(&in.PatientSummary, "summary", "", "Plain-language summary shown to the patient")
	f.StringVar(&in.CreatedByNurseID, "nurse", "demo-nurse-sarah", "Authoring nurse id")
	f.StringVar(&priority, "priority", string(referral.PriorityMedium), "low|medium|high|critical")
	f.StringVar(&in.FacilityID, "facility", "", "Facility id ("+strings.Join(facility.IDs(), ", ")+")")
	f.StringVar(&in.ReferralType, "type", "", "Referral type offered by the facility")
	f.StringVar(&appointment, "appointment", "", "Appointment date")
	f.StringVar(&in.Notes, "notes", "", "Internal notes")
	return cmd
}

func referralListCmd(a *app) *cobra.Command {
	var patientID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List referrals, optionally for one patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			var refs []referral.Referral
			if patientID != "" {
				refs, err = mgr.ForPatient(cmd.Context(), patientID)
			} else {
				refs, err = mgr.List(cmd.Context(), docstore.All())
			}
			if err != nil {
				return err
			}
			now := time.Now()
			views := make([]referral.View, len(refs))
			for i, r := range refs {
				views[i] = referral.NewView(r, now)
			}
			return a.print(cmd, views, func() {
				for _, v := range views {
					line := fmt.Sprintf("%s  %-10s %-9s %s -> %s (%s)", v.ID, v.Status, v.Priority, v.PatientName, v.FacilityID, v.ReferralType)
					if v.PendingRequest != nil {
						line += "  [" + string(v.PendingRequest.Type) + " requested]"
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			})
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "Only referrals of this patient")
	return cmd
}

func referralTransitionCmd(a *app) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a referral along the pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			to := referral.Status(strings.ToLower(args[1]))
			r, err := mgr.TransitionStatus(cmd.Context(), args[0], to, note)
			if err != nil {
				return err
			}
			return a.print(cmd, r, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "referral %s is now %s\n", r.ID, r.Status)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Audit note")
	return cmd
}

func referralRequestCmd(a *app) *cobra.Command {
	var kind, date, reason string
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Submit a patient reschedule or cancel request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			when, err := parseWhen(date)
			if err != nil {
				return err
			}
			r, err := mgr.SubmitChangeRequest(cmd.Context(), args[0], referral.RequestKind(kind), when, reason)
			if err != nil {
				return err
			}
			return a.print(cmd, r, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s request recorded on %s\n", kind, r.ID)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(referral.RequestReschedule), "reschedule|cancel")
	cmd.Flags().StringVar(&date, "date", "", "Requested appointment date (reschedule)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason (required for cancel)")
	return cmd
}

func referralDecisionCmd(a *app, verb, done, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			var r referral.Referral
			if verb == "approve" {
				r, err = mgr.ApproveRequest(cmd.Context(), args[0])
			} else {
				r, err = mgr.DenyRequest(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return a.print(cmd, r, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "request on %s %s (status %s)\n", r.ID, done, r.Status)
			})
		},
	}
}

func referralMarkSyncedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-synced",
		Short: "Flag every referral as synced without replicating (demo reset)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.client.Referrals(cmd.Context())
			if err != nil {
				return err
			}
			n, err := mgr.MarkAllSynced(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]int{"marked": n}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d referrals synced\n", n)
			})
		},
	}
}

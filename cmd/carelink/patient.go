package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carelink.app/internal/patient"
)

func patientCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Register and look up patients",
	}
	cmd.AddCommand(patientAddCmd(a))
	cmd.AddCommand(patientSearchCmd(a))
	return cmd
}

func patientAddCmd(a *app) *cobra.Command {
	var in patient.NewPatient
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.client.Patients(cmd.Context())
			if err != nil {
				return err
			}
			p, err := dir.AddPatient(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.print(cmd, p, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s\n", p.Name, p.ID)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "Full name")
	f.StringVar(&in.Email, "email", "", "Email (login identity)")
	f.StringVar(&in.Phone, "phone", "", "Phone")
	f.StringVar(&in.DateOfBirth, "dob", "", "Date of birth (YYYY-MM-DD)")
	f.StringVar(&in.HealthCardNumber, "health-card", "", "Health card number")
	f.StringVar(&in.Address, "address", "", "Address")
	f.StringVar(&in.EmergencyContactName, "emergency-name", "", "Emergency contact name")
	f.StringVar(&in.EmergencyContactPhone, "emergency-phone", "", "Emergency contact phone")
	f.StringVar(&in.AccessibilityNeeds, "accessibility", "", "Accessibility needs")
	f.StringVar(&in.PreferredLanguage, "language", "", "en|fr|cree|ojibwe")
	f.StringVar(&in.PreferredFacilityID, "facility", "", "Preferred facility id")
	f.StringVar(&in.CommunicationPreference, "contact", "", "sms|email|both")
	return cmd
}

func patientSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Fuzzy search patients by name or email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.client.Patients(cmd.Context())
			if err != nil {
				return err
			}
			matches := dir.Search(args[0])
			return a.print(cmd, matches, func() {
				if len(matches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no matches")
					return
				}
				for _, m := range matches {
					fmt.Fprintf(cmd.OutOrStdout(), "%.2f  %s  %s <%s>\n", m.Score, m.Patient.ID, m.Patient.Name, m.Patient.Email)
				}
			})
		},
	}
}

// Package seed loads the demonstration data set and clears local data.
package seed

import (
	"context"
	"fmt"
	"time"

	"carelink.app/internal/audit"
	"carelink.app/internal/docstore"
	"carelink.app/internal/identity"
	"carelink.app/internal/ids"
	"carelink.app/internal/obs"
	"carelink.app/internal/patient"
	"carelink.app/internal/referral"
	"carelink.app/internal/schema"
)

// DemoPassword is shared by every seeded account.
const DemoPassword = "demo123"

const day = 24 * time.Hour

type nurse struct {
	id, name, email, phone string
}

var nurses = []nurse{
	{"demo-nurse-sarah", "Sarah Mitchell, RN", "nurse@carelink.demo", "(867) 555-3847"},
	{"demo-nurse-james", "James Makwa, RN", "james@carelink.demo", "(867) 555-6192"},
	{"demo-nurse-linda", "Linda Chen, RN", "linda@carelink.demo", "(867) 555-2784"},
}

var patients = []patient.Patient{
	{
		ID:                      "demo-patient-margaret",
		Name:                    "Margaret Thompson",
		Email:                   "margaret@patient.demo",
		Phone:                   "+1-555-0101",
		DateOfBirth:             "1952-03-15",
		HealthCardNumber:        "ON-9876543210",
		PreferredLanguage:       "en",
		PreferredFacilityID:     "regional-hospital",
		CommunicationPreference: "both",
		Address:                 "45 Lakeside Dr, Clearwater Bay, ON",
		EmergencyContactName:    "John Thompson",
		EmergencyContactPhone:   "+1-555-0111",
	},
	{
		ID:                      "demo-patient-james",
		Name:                    "James Whitehorse",
		Email:                   "james@patient.demo",
		Phone:                   "+1-555-0102",
		DateOfBirth:             "1978-08-22",
		HealthCardNumber:        "ON-8765432109",
		PreferredLanguage:       "en",
		PreferredFacilityID:     "specialist-clinic",
		CommunicationPreference: "sms",
		Address:                 "12 Pine Ridge Rd, Kenora, ON",
		EmergencyContactName:    "Mary Whitehorse",
		EmergencyContactPhone:   "+1-555-0112",
	},
	{
		ID:                      "demo-patient-sarah",
		Name:                    "Sarah Running Bear",
		Email:                   "sarah@patient.demo",
		Phone:                   "+1-555-0103",
		DateOfBirth:             "1990-11-08",
		PreferredLanguage:       "cree",
		PreferredFacilityID:     "mental-health-center",
		CommunicationPreference: "email",
		Address:                 "88 Northern Lights Ave, Dryden, ON",
	},
	{
		ID:                      "demo-patient-robert",
		Name:                    "Robert Chen",
		Email:                   "robert@patient.demo",
		Phone:                   "+1-555-0104",
		DateOfBirth:             "1985-05-30",
		HealthCardNumber:        "ON-7654321098",
		PreferredLanguage:       "en",
		PreferredFacilityID:     "community-health",
		CommunicationPreference: "both",
		Address:                 "23 Birch St, Clearwater Bay, ON",
	},
	{
		ID:                      "demo-patient-emily",
		Name:                    "Emily Blackwood",
		Email:                   "emily@patient.demo",
		Phone:                   "+1-555-0105",
		DateOfBirth:             "1968-02-14",
		HealthCardNumber:        "ON-6543210987",
		PreferredLanguage:       "en",
		PreferredFacilityID:     "specialist-clinic",
		CommunicationPreference: "sms",
		Address:                 "56 Forest Trail, Thunder Bay, ON",
		EmergencyContactName:    "David Blackwood",
		EmergencyContactPhone:   "+1-555-0115",
		AccessibilityNeeds:      "Requires wheelchair access",
	},
	{
		ID:                      "demo-patient-william",
		Name:                    "William Frost",
		Email:                   "william@patient.demo",
		Phone:                   "+1-555-0106",
		DateOfBirth:             "1975-09-03",
		PreferredLanguage:       "en",
		PreferredFacilityID:     "specialist-clinic",
		CommunicationPreference: "both",
		Address:                 "34 Logger Lane, Red Lake, ON",
	},
	{
		ID:                      "demo-patient-dorothy",
		Name:                    "Dorothy Clearsky",
		Email:                   "dorothy@patient.demo",
		Phone:                   "+1-555-0107",
		DateOfBirth:             "1945-12-25",
		HealthCardNumber:        "ON-5432109876",
		PreferredLanguage:       "ojibwe",
		PreferredFacilityID:     "regional-hospital",
		CommunicationPreference: "both",
		Address:                 "67 Elder Circle, Sioux Lookout, ON",
		EmergencyContactName:    "Michael Clearsky",
		EmergencyContactPhone:   "+1-555-0117",
		AccessibilityNeeds:      "Hard of hearing - prefers written communication",
	},
}

// demoReferral is a referral relative to the seeding time. Offsets are in
// days; appointmentIn is zero when no appointment is booked.
type demoReferral struct {
	patientID     string
	nurseID       string
	priority      referral.Priority
	status        referral.Status
	facilityID    string
	referralType  string
	diagnosis     string
	summary       string
	notes         string
	createdAgo    int
	appointmentIn int
}

var referrals = []demoReferral{
	{
		patientID:    "demo-patient-margaret",
		nurseID:      "demo-nurse-sarah",
		priority:     referral.PriorityCritical,
		status:       referral.StatusPending,
		facilityID:   "regional-hospital",
		referralType: "Cardiology",
		diagnosis:    "Atrial fibrillation with rapid ventricular response. Requires cardiology follow-up and anticoagulation management.",
		summary:      "Your heart rhythm was irregular during your last visit. We're referring you to a heart specialist to check everything is okay and discuss treatment options.",
		notes:        "Patient experienced palpitations during community dinner. ECG showed AFib. Started on rate control.",
		createdAgo:   16,
	},
	{
		patientID:     "demo-patient-james",
		nurseID:       "demo-nurse-james",
		priority:      referral.PriorityHigh,
		status:        referral.StatusScheduled,
		facilityID:    "specialist-clinic",
		referralType:  "Endocrinology",
		diagnosis:     "Type 2 diabetes with poor glycemic control. HbA1c 9.2%. Needs endocrinology consultation for insulin adjustment.",
		summary:       "Your blood sugar levels need better management. You'll be seeing a specialist to adjust your treatment plan.",
		createdAgo:    7,
		appointmentIn: 5,
	},
	{
		patientID:    "demo-patient-sarah",
		nurseID:      "demo-nurse-linda",
		priority:     referral.PriorityMedium,
		status:       referral.StatusPending,
		facilityID:   "mental-health-center",
		referralType: "Mental Health",
		diagnosis:    "Generalized anxiety disorder with recent increase in symptoms following community layoffs. Requesting counseling services.",
		summary:      "We're connecting you with a counselor to help with the stress you've been experiencing. Virtual appointments are available.",
		notes:        "Patient prefers virtual appointments due to stigma concerns. Has reliable internet access.",
		createdAgo:   3,
	},
	{
		patientID:    "demo-patient-robert",
		nurseID:      "demo-nurse-sarah",
		priority:     referral.PriorityLow,
		status:       referral.StatusCompleted,
		facilityID:   "community-health",
		referralType: "Follow-up",
		diagnosis:    "Post-surgical follow-up for appendectomy performed during last medical evacuation. Healing well, no complications.",
		summary:      "This was a follow-up after your surgery. Everything healed well.",
		createdAgo:   21,
	},
	{
		patientID:     "demo-patient-emily",
		nurseID:       "demo-nurse-james",
		priority:      referral.PriorityCritical,
		status:        referral.StatusScheduled,
		facilityID:    "specialist-clinic",
		referralType:  "Oncology",
		diagnosis:     "Suspected breast mass on self-exam. Urgent imaging and oncology referral needed for evaluation.",
		summary:       "We found something during your exam that needs a closer look. You're scheduled for imaging to get more information.",
		createdAgo:    2,
		appointmentIn: 2,
	},
	{
		patientID:    "demo-patient-william",
		nurseID:      "demo-nurse-linda",
		priority:     referral.PriorityMedium,
		status:       referral.StatusPending,
		facilityID:   "specialist-clinic",
		referralType: "Neurology",
		diagnosis:    "Chronic lower back pain with radiculopathy. MRI shows L4-L5 disc herniation. Requires neurology consultation.",
		summary:      "Your back pain needs specialist attention. We're referring you to a nerve specialist to discuss treatment options.",
		notes:        "Patient is a forestry worker. Pain affecting ability to work.",
		createdAgo:   10,
	},
	{
		patientID:    "demo-patient-dorothy",
		nurseID:      "demo-nurse-sarah",
		priority:     referral.PriorityHigh,
		status:       referral.StatusMissed,
		facilityID:   "regional-hospital",
		referralType: "Cardiology",
		diagnosis:    "Missed cardiology follow-up due to highway closure. Patient stable but needs rescheduling.",
		summary:      "Your heart check-up was rescheduled due to the storm. Please contact us to book a new appointment.",
		notes:        "Original appointment was during January storm. Family concerned about transportation.",
		createdAgo:   30,
	},
}

// Result counts the seeded documents.
type Result struct {
	Patients  int `json:"patients"`
	Nurses    int `json:"nurses"`
	Referrals int `json:"referrals"`
}

// Options tune Seed.
type Options struct {
	// Now anchors the back-dated timestamps; defaults to time.Now.
	Now func() time.Time
	// Password overrides DemoPassword.
	Password string
}

// Seed inserts the demonstration patients, nurse accounts and referrals. It
// returns false without writing when the store already holds patients.
func Seed(ctx context.Context, store *docstore.Store, opts Options) (Result, bool, error) {
	log := obs.Component("seed")
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Password == "" {
		opts.Password = DemoPassword
	}

	ptCol, err := store.Collection(patient.CollectionName)
	if err != nil {
		return Result{}, false, err
	}
	users, err := store.Collection(identity.UsersCollection)
	if err != nil {
		return Result{}, false, err
	}
	refCol, err := store.Collection(referral.CollectionName)
	if err != nil {
		return Result{}, false, err
	}
	if ptCol.Count() > 0 {
		log.Info("store already holds patients, skipping seed")
		return Result{}, false, nil
	}

	hash, err := identity.HashPassword(opts.Password)
	if err != nil {
		return Result{}, false, err
	}
	now := opts.Now().UTC()
	var res Result

	names := make(map[string]patient.Patient, len(patients))
	for _, p := range patients {
		p.PasswordHash = hash
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := insert(ctx, ptCol, p); err != nil {
			return res, false, fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
		names[p.ID] = p
		res.Patients++
	}

	if res.Nurses, err = insertNurses(ctx, users, hash, now); err != nil {
		return res, false, err
	}

	for _, d := range referrals {
		p := names[d.patientID]
		created := now.Add(-time.Duration(d.createdAgo) * day)
		id := ids.At(created)
		// ids carry millisecond precision; keep createdAt equal to the id time.
		if t, ok := ids.Time(id); ok {
			created = t
		}
		r := referral.Referral{
			ID:               id,
			PatientID:        p.ID,
			PatientName:      p.Name,
			PatientPhone:     p.Phone,
			Diagnosis:        d.diagnosis,
			PatientSummary:   d.summary,
			CreatedByNurseID: d.nurseID,
			Priority:         d.priority,
			Status:           d.status,
			FacilityID:       d.facilityID,
			ReferralType:     d.referralType,
			Notes:            d.notes,
			CreatedAt:        created,
			UpdatedAt:        now,
		}
		if d.appointmentIn > 0 {
			at := now.Add(time.Duration(d.appointmentIn) * day)
			r.AppointmentDate = &at
		}
		if err := insert(ctx, refCol, r); err != nil {
			return res, false, fmt.Errorf("seed referral for %s: %w", p.ID, err)
		}
		res.Referrals++
	}

	_ = audit.LogEvent(ctx, audit.StoreSeeded, map[string]any{
		"patients":  res.Patients,
		"nurses":    res.Nurses,
		"referrals": res.Referrals,
	})
	log.WithField("referrals", res.Referrals).Info("demo data seeded")
	return res, true, nil
}

// Staff inserts the demonstration nurse accounts that are missing. Servers
// that authenticate nurses without holding clinical data use it instead of
// Seed.
func Staff(ctx context.Context, store *docstore.Store, opts Options) (int, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Password == "" {
		opts.Password = DemoPassword
	}
	users, err := store.Collection(identity.UsersCollection)
	if err != nil {
		return 0, err
	}
	hash, err := identity.HashPassword(opts.Password)
	if err != nil {
		return 0, err
	}
	return insertNurses(ctx, users, hash, opts.Now().UTC())
}

func insertNurses(ctx context.Context, users *docstore.Collection, hash string, now time.Time) (int, error) {
	added := 0
	for _, n := range nurses {
		if _, err := users.FindOne(ctx, n.id); err == nil {
			continue
		}
		u := identity.User{
			ID:           n.id,
			Email:        n.email,
			Name:         n.name,
			Role:         identity.RoleNurse,
			PasswordHash: hash,
			Phone:        n.phone,
			CreatedAt:    now,
		}
		if err := insert(ctx, users, u); err != nil {
			return added, fmt.Errorf("seed nurse %s: %w", n.id, err)
		}
		added++
	}
	return added, nil
}

func insert(ctx context.Context, col *docstore.Collection, v any) error {
	doc, err := schema.Encode(v)
	if err != nil {
		return err
	}
	return col.Insert(ctx, doc)
}

// Clear removes every local document. Replicated documents leave tombstones
// so a running push session deletes them remotely as well.
func Clear(ctx context.Context, store *docstore.Store) (int, error) {
	n, err := store.ClearAll(ctx)
	if err != nil {
		return n, err
	}
	_ = audit.LogEvent(ctx, audit.StoreCleared, map[string]any{"removed": n})
	obs.Component("seed").WithField("removed", n).Warn("local data cleared")
	return n, nil
}

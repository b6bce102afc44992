package referral

import (
	"time"

	"carelink.app/internal/schema"
)

// SchemaVersion is the current referral document version.
const SchemaVersion = 1

const (
	defaultPatientSummary = "Please contact your care coordinator for details."
	defaultNurseID        = "demo-nurse-sarah"
)

// Schema declares the referrals collection.
func Schema() schema.Collection {
	return schema.Collection{
		Name:     CollectionName,
		Version:  SchemaVersion,
		SyncFlag: "synced",
		Touch:    "updatedAt",
		Fields: []schema.Field{
			{Name: "patientId", Rule: "required"},
			{Name: "patientName", Rule: "required"},
			{Name: "diagnosis", Rule: "required"},
			{Name: "patientSummary", Rule: "required"},
			{Name: "createdByNurseId", Rule: "required"},
			{Name: "priority", Rule: "required,oneof=low medium high critical"},
			{Name: "status", Rule: "required,oneof=pending scheduled completed missed cancelled"},
			{Name: "facilityId", Rule: "required"},
			{Name: "referralType", Rule: "required"},
			{Name: "createdAt", Rule: "required"},
			{Name: "updatedAt", Rule: "required"},
			{Name: "synced", Rule: "boolean"},
		},
		Migrations: map[int]schema.MigrationFunc{
			// v1 made the patient-facing summary and the authoring nurse
			// mandatory.
			1: func(old schema.Document) schema.Document {
				if old.String("patientSummary") == "" {
					old["patientSummary"] = defaultPatientSummary
				}
				if old.String("createdByNurseId") == "" {
					old["createdByNurseId"] = defaultNurseID
				}
				return old
			},
		},
		Check: check,
	}
}

func check(d schema.Document) map[string]string {
	problems := map[string]string{}
	for _, key := range []string{"createdAt", "updatedAt"} {
		if _, ok := d.Time(key); !ok {
			problems[key] = "timestamp"
		}
	}
	if _, present := d["appointmentDate"]; present {
		if _, ok := d.Time("appointmentDate"); !ok {
			problems["appointmentDate"] = "timestamp"
		}
	}
	if raw, present := d["statusChangeNotes"]; present {
		if _, ok := raw.([]any); !ok {
			problems["statusChangeNotes"] = "list"
		}
	}
	if raw, present := d["pendingRequest"]; present {
		req, ok := raw.(map[string]any)
		if !ok {
			problems["pendingRequest"] = "object"
			return problems
		}
		rd := schema.Document(req)
		switch RequestKind(rd.String("type")) {
		case RequestReschedule:
			if _, ok := rd.Time("requestedDate"); !ok {
				problems["pendingRequest.requestedDate"] = "required"
			}
		case RequestCancel:
			if rd.String("reason") == "" {
				problems["pendingRequest.reason"] = "required"
			}
		default:
			problems["pendingRequest.type"] = "oneof=reschedule cancel"
		}
		if _, ok := rd.Time("requestedAt"); !ok {
			problems["pendingRequest.requestedAt"] = "timestamp"
		}
	}
	return problems
}

func encode(r Referral) (schema.Document, error) {
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return schema.Encode(r)
}

func decode(doc schema.Document) (Referral, error) {
	var r Referral
	err := schema.Decode(doc, &r)
	return r, err
}

// View is a referral with its derived, never stored, overdue data.
type View struct {
	Referral
	DaysSinceCreated int  `json:"daysSinceCreated"`
	IsOverdue        bool `json:"isOverdue"`
}

// NewView derives the view of r at now.
func NewView(r Referral, now time.Time) View {
	return View{Referral: r, DaysSinceCreated: r.DaysSinceCreated(now), IsOverdue: r.IsOverdue(now)}
}

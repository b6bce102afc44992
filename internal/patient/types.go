package patient

import (
	"time"

	"carelink.app/internal/facility"
	"carelink.app/internal/schema"
)

// CollectionName is the local collection holding patients.
const CollectionName = "patients"

// Patient is the demographic and contact record of a patient. Email is the
// login identity key.
type Patient struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Email                   string    `json:"email"`
	Phone                   string    `json:"phone,omitempty"`
	DateOfBirth             string    `json:"dateOfBirth,omitempty"`
	HealthCardNumber        string    `json:"healthCardNumber,omitempty"`
	Address                 string    `json:"address,omitempty"`
	EmergencyContactName    string    `json:"emergencyContactName,omitempty"`
	EmergencyContactPhone   string    `json:"emergencyContactPhone,omitempty"`
	AccessibilityNeeds      string    `json:"accessibilityNeeds,omitempty"`
	PreferredLanguage       string    `json:"preferredLanguage"`
	PreferredFacilityID     string    `json:"preferredFacilityId,omitempty"`
	CommunicationPreference string    `json:"communicationPreference"`
	PasswordHash            string    `json:"passwordHash,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Schema declares the patients collection.
func Schema() schema.Collection {
	return schema.Collection{
		Name:    CollectionName,
		Version: 0,
		Fields: []schema.Field{
			{Name: "name", Rule: "required"},
			{Name: "email", Rule: "required,email"},
			{Name: "dateOfBirth", Rule: "omitempty,datetime=2006-01-02"},
			{Name: "preferredLanguage", Rule: "required,oneof=en fr cree ojibwe"},
			{Name: "communicationPreference", Rule: "required,oneof=sms email both"},
			{Name: "createdAt", Rule: "required"},
			{Name: "updatedAt", Rule: "required"},
		},
		// Credentials stay on the device that set them.
		LocalFields: []string{"passwordHash"},
		Check: func(d schema.Document) map[string]string {
			problems := map[string]string{}
			if id := d.String("preferredFacilityId"); id != "" {
				if _, ok := facility.Lookup(id); !ok {
					problems["preferredFacilityId"] = "unknown facility"
				}
			}
			for _, key := range []string{"createdAt", "updatedAt"} {
				if _, ok := d.Time(key); !ok {
					problems[key] = "timestamp"
				}
			}
			return problems
		},
	}
}

// NewPatient carries the fields a nurse enters for a new patient.
type NewPatient struct {
	Name                    string `json:"name" validate:"required"`
	Email                   string `json:"email" validate:"required,email"`
	Phone                   string `json:"phone"`
	DateOfBirth             string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	HealthCardNumber        string `json:"healthCardNumber"`
	Address                 string `json:"address"`
	EmergencyContactName    string `json:"emergencyContactName"`
	EmergencyContactPhone   string `json:"emergencyContactPhone"`
	AccessibilityNeeds      string `json:"accessibilityNeeds"`
	PreferredLanguage       string `json:"preferredLanguage" validate:"omitempty,oneof=en fr cree ojibwe"`
	PreferredFacilityID     string `json:"preferredFacilityId"`
	CommunicationPreference string `json:"communicationPreference" validate:"omitempty,oneof=sms email both"`
}

// Package facility is the static catalog of facilities a referral can be
// routed to.
package facility

import "slices"

// Facility is read-only reference data.
type Facility struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Distance string   `json:"distance"`
	Types    []string `json:"types"`
}

var catalog = []Facility{
	{
		ID:       "regional-hospital",
		Name:     "Regional Hospital",
		Distance: "120 km",
		Types:    []string{"Cardiology", "General Surgery", "Emergency Medicine", "Imaging", "Obstetrics"},
	},
	{
		ID:       "specialist-clinic",
		Name:     "Specialist Clinic",
		Distance: "350 km",
		Types:    []string{"Cardiology", "Oncology", "Neurology", "Endocrinology", "Orthopedics"},
	},
	{
		ID:       "mental-health-center",
		Name:     "Mental Health Center",
		Distance: "85 km",
		Types:    []string{"Mental Health", "Addictions", "Counselling"},
	},
	{
		ID:       "community-health",
		Name:     "Community Health Centre",
		Distance: "On site",
		Types:    []string{"Follow-up", "Primary Care", "Diabetes Education"},
	},
}

// All returns a copy of the catalog in display order.
func All() []Facility {
	out := make([]Facility, len(catalog))
	for i, f := range catalog {
		f.Types = slices.Clone(f.Types)
		out[i] = f
	}
	return out
}

// Lookup returns the facility with id.
func Lookup(id string) (Facility, bool) {
	for _, f := range catalog {
		if f.ID == id {
			f.Types = slices.Clone(f.Types)
			return f, true
		}
	}
	return Facility{}, false
}

// AcceptsType reports whether facility id offers referralType.
func AcceptsType(id, referralType string) bool {
	f, ok := Lookup(id)
	return ok && slices.Contains(f.Types, referralType)
}

// IDs lists the catalog ids.
func IDs() []string {
	ids := make([]string, len(catalog))
	for i, f := range catalog {
		ids[i] = f.ID
	}
	return ids
}

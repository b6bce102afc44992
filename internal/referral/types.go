package referral

import (
	"errors"
	"fmt"
	"math"
	"time"

	"carelink.app/internal/docstore"
)

// CollectionName is the local collection holding referrals.
const CollectionName = "referrals"

// OverdueAfterDays is the age at which a pending referral counts as overdue.
const OverdueAfterDays = 14

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusCancelled Status = "cancelled"
)

// Pipeline lists statuses in board order.
var Pipeline = []Status{StatusPending, StatusScheduled, StatusCompleted, StatusMissed, StatusCancelled}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMissed || s == StatusCancelled
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RequestKind is the kind of a patient-initiated change request.
type RequestKind string

const (
	RequestReschedule RequestKind = "reschedule"
	RequestCancel     RequestKind = "cancel"
)

// StatusChangeNote is one entry of the append-only status audit log.
type StatusChangeNote struct {
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Note       string    `json:"note"`
	ChangedAt  time.Time `json:"changedAt"`
	WasOverdue bool      `json:"wasOverdue"`
}

// PendingRequest is an outstanding patient change request.
type PendingRequest struct {
	Type          RequestKind `json:"type"`
	RequestedDate *time.Time  `json:"requestedDate,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	RequestedAt   time.Time   `json:"requestedAt"`
}

// Referral routes a patient to a facility for care.
type Referral struct {
	ID                string             `json:"id"`
	PatientID         string             `json:"patientId"`
	PatientName       string             `json:"patientName"`
	PatientPhone      string             `json:"patientPhone,omitempty"`
	Diagnosis         string             `json:"diagnosis"`
	PatientSummary    string             `json:"patientSummary"`
	CreatedByNurseID  string             `json:"createdByNurseId"`
	Priority          Priority           `json:"priority"`
	Status            Status             `json:"status"`
	FacilityID        string             `json:"facilityId"`
	ReferralType      string             `json:"referralType"`
	AppointmentDate   *time.Time         `json:"appointmentDate,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	StatusChangeNotes []StatusChangeNote `json:"statusChangeNotes,omitempty"`
	PendingRequest    *PendingRequest    `json:"pendingRequest,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	Synced            bool               `json:"synced"`
}

// DaysSinceCreated is the whole number of days between createdAt and now.
func (r Referral) DaysSinceCreated(now time.Time) int {
	return int(math.Floor(now.Sub(r.CreatedAt).Hours() / 24))
}

// IsOverdue reports whether the referral is pending and at least
// OverdueAfterDays old at now.
func (r Referral) IsOverdue(now time.Time) bool {
	return r.Status == StatusPending && r.DaysSinceCreated(now) >= OverdueAfterDays
}

var (
	ErrState = errors.New("illegal state")
	// ErrReplicationActive is returned by MarkAllSynced while a replication
	// pipeline is running; only the pipeline may claim durability then.
	ErrReplicationActive = errors.New("replication is active")
	ErrNotFound          = docstore.ErrNotFound
)

// StateError rejects an operation that the referral's current state forbids.
type StateError struct {
	ID     string
	From   Status
	To     Status
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("referral %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("referral %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

func (e *StateError) Is(target error) bool { return target == ErrState }

var transitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusMissed, StatusCancelled},
	StatusScheduled: {StatusCompleted, StatusCancelled},
}

// IsValidTransition reports whether from -> to is an edge of the pipeline.
// Same-state moves are not transitions.
func IsValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

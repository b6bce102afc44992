// Package referral implements the referral lifecycle on top of the local
// document store.
package referral

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"carelink.app/internal/audit"
	"carelink.app/internal/docstore"
	"carelink.app/internal/facility"
	"carelink.app/internal/ids"
	"carelink.app/internal/obs"
	"carelink.app/internal/schema"
)

// ReplicationGuard reports whether a live replication pipeline owns the sync
// flag.
type ReplicationGuard interface {
	Active() bool
}

// Manager exposes the referral operations. It never talks to the sync engine;
// replication observes the collection on its own.
type Manager struct {
	col   *docstore.Collection
	now   func() time.Time
	guard ReplicationGuard
	log   *logrus.Entry
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReplicationGuard makes MarkAllSynced refuse while g reports an active
// pipeline.
func WithReplicationGuard(g ReplicationGuard) Option {
	return func(m *Manager) { m.guard = g }
}

// NewManager binds a manager to the referrals collection of store.
func NewManager(store *docstore.Store, opts ...Option) (*Manager, error) {
	col, err := store.Collection(CollectionName)
	if err != nil {
		return nil, err
	}
	m := &Manager{col: col, now: time.Now, log: obs.Component("referral")}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewReferral carries the caller-supplied fields of a referral.
type NewReferral struct {
	PatientID        string     `json:"patientId" validate:"required"`
	PatientName      string     `json:"patientName" validate:"required"`
	PatientPhone     string     `json:"patientPhone"`
	Diagnosis        string     `json:"diagnosis" validate:"required"`
	PatientSummary   string     `json:"patientSummary" validate:"required"`
	CreatedByNurseID string     `json:"createdByNurseId" validate:"required"`
	Priority         Priority   `json:"priority" validate:"required,oneof=low medium high critical"`
	FacilityID       string     `json:"facilityId" validate:"required"`
	ReferralType     string     `json:"referralType" validate:"required"`
	AppointmentDate  *time.Time `json:"appointmentDate"`
	Notes            string     `json:"notes"`
}

// CreateReferral stores a new pending, unsynced referral.
func (m *Manager) CreateReferral(ctx context.Context, in NewReferral) (Referral, error) {
	if err := schema.ValidateStruct(CollectionName, in); err != nil {
		return Referral{}, err
	}
	if err := checkRouting(in.FacilityID, in.ReferralType); err != nil {
		return Referral{}, err
	}
	now := m.now().UTC()
	r := Referral{
		ID:               ids.At(now),
		PatientID:        in.PatientID,
		PatientName:      in.PatientName,
		PatientPhone:     in.PatientPhone,
		Diagnosis:        in.Diagnosis,
		PatientSummary:   in.PatientSummary,
		CreatedByNurseID: in.CreatedByNurseID,
		Priority:         in.Priority,
		Status:           StatusPending,
		FacilityID:       in.FacilityID,
		ReferralType:     in.ReferralType,
		AppointmentDate:  utcPtr(in.AppointmentDate),
		Notes:            in.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
		Synced:           false,
	}
	doc, err := encode(r)
	if err != nil {
		return Referral{}, err
	}
	if err := m.col.Insert(ctx, doc); err != nil {
		return Referral{}, err
	}
	m.log.WithFields(logrus.Fields{"referral_id": r.ID, "facility": r.FacilityID, "priority": r.Priority}).Info("referral created")
	return r, nil
}

func checkRouting(facilityID, referralType string) error {
	if _, ok := facility.Lookup(facilityID); !ok {
		return schema.NewValidationError(CollectionName, "facilityId", "unknown facility")
	}
	if !facility.AcceptsType(facilityID, referralType) {
		return schema.NewValidationError(CollectionName, "referralType",
			fmt.Sprintf("%q is not offered by %s", referralType, facilityID))
	}
	return nil
}

// Get returns the referral with id.
func (m *Manager) Get(ctx context.Context, id string) (Referral, error) {
	doc, err := m.col.FindOne(ctx, id)
	if err != nil {
		return Referral{}, err
	}
	return decode(doc)
}

// List returns referrals matching sel, sorted by id.
func (m *Manager) List(ctx context.Context, sel docstore.Selector) ([]Referral, error) {
	docs, err := m.col.Find(ctx, sel)
	if err != nil {
		return nil, err
	}
	return decodeAll(docs)
}

// ForPatient returns the referrals of one patient, newest first.
func (m *Manager) ForPatient(ctx context.Context, patientID string) ([]Referral, error) {
	out, err := m.List(ctx, docstore.Eq("patientId", patientID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func decodeAll(docs []schema.Document) ([]Referral, error) {
	out := make([]Referral, 0, len(docs))
	for _, d := range docs {
		r, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Changes lists the editable clinical fields; nil leaves a field unchanged.
type Changes struct {
	PatientPhone    *string
	Diagnosis       *string
	PatientSummary  *string
	Priority        *Priority
	FacilityID      *string
	ReferralType    *string
	AppointmentDate *time.Time
	Notes           *string
}

// Update edits clinical fields. Routing changes are re-checked against the
// facility catalog.
func (m *Manager) Update(ctx context.Context, id string, ch Changes) (Referral, error) {
	return m.mutate(ctx, id, "update", func(r *Referral) error {
		if ch.PatientPhone != nil {
			r.PatientPhone = *ch.PatientPhone
		}
		if ch.Diagnosis != nil {
			r.Diagnosis = *ch.Diagnosis
		}
		if ch.PatientSummary != nil {
			r.PatientSummary = *ch.PatientSummary
		}
		if ch.Priority != nil {
			r.Priority = *ch.Priority
		}
		if ch.Notes != nil {
			r.Notes = *ch.Notes
		}
		if ch.AppointmentDate != nil {
			r.AppointmentDate = utcPtr(ch.AppointmentDate)
		}
		if ch.FacilityID != nil || ch.ReferralType != nil {
			if ch.FacilityID != nil {
				r.FacilityID = *ch.FacilityID
			}
			if ch.ReferralType != nil {
				r.ReferralType = *ch.ReferralType
			}
			return checkRouting(r.FacilityID, r.ReferralType)
		}
		return nil
	})
}

// TransitionStatus moves the referral along the pipeline and appends an audit
// entry recording whether it was overdue at that moment.
func (m *Manager) TransitionStatus(ctx context.Context, id string, to Status, note string) (Referral, error) {
	return m.mutate(ctx, id, "transition", func(r *Referral) error {
		return m.transition(r, to, note)
	})
}

func (m *Manager) transition(r *Referral, to Status, note string) error {
	if !IsValidTransition(r.Status, to) {
		return &StateError{ID: r.ID, From: r.Status, To: to}
	}
	now := m.now().UTC()
	r.StatusChangeNotes = append(r.StatusChangeNotes, StatusChangeNote{
		FromStatus: r.Status,
		ToStatus:   to,
		Note:       note,
		ChangedAt:  now,
		WasOverdue: r.IsOverdue(now),
	})
	r.Status = to
	if to.Terminal() {
		r.PendingRequest = nil
	}
	return nil
}

// SubmitChangeRequest records a patient's reschedule or cancel request. Only
// one request may be outstanding at a time.
func (m *Manager) SubmitChangeRequest(ctx context.Context, id string, kind RequestKind, requestedDate *time.Time, reason string) (Referral, error) {
	switch kind {
	case RequestReschedule:
		if requestedDate == nil || requestedDate.IsZero() {
			return Referral{}, schema.NewValidationError(CollectionName, "requestedDate", "required for reschedule")
		}
	case RequestCancel:
		if reason == "" {
			return Referral{}, schema.NewValidationError(CollectionName, "reason", "required for cancel")
		}
	default:
		return Referral{}, schema.NewValidationError(CollectionName, "type", "oneof=reschedule cancel")
	}
	return m.mutate(ctx, id, "request", func(r *Referral) error {
		if r.Status.Terminal() {
			return &StateError{ID: r.ID, From: r.Status, Reason: fmt.Sprintf("cannot request changes to a %s referral", r.Status)}
		}
		if r.PendingRequest != nil {
			return &StateError{ID: r.ID, From: r.Status, Reason: "a change request is already outstanding"}
		}
		req := &PendingRequest{Type: kind, Reason: reason, RequestedAt: m.now().UTC()}
		if kind == RequestReschedule {
			req.RequestedDate = utcPtr(requestedDate)
		}
		r.PendingRequest = req
		return nil
	})
}

// ApproveRequest applies the outstanding request: a reschedule moves the
// appointment, a cancel cancels the referral with an audit entry.
func (m *Manager) ApproveRequest(ctx context.Context, id string) (Referral, error) {
	var kind RequestKind
	out, err := m.mutate(ctx, id, "approve", func(r *Referral) error {
		req := r.PendingRequest
		if req == nil {
			return &StateError{ID: r.ID, From: r.Status, Reason: "no outstanding change request"}
		}
		kind = req.Type
		switch req.Type {
		case RequestReschedule:
			r.AppointmentDate = utcPtr(req.RequestedDate)
		case RequestCancel:
			if err := m.transition(r, StatusCancelled, "Cancellation request approved: "+req.Reason); err != nil {
				return err
			}
		}
		r.PendingRequest = nil
		return nil
	})
	if err == nil {
		_ = audit.LogEvent(ctx, audit.RequestApproved, map[string]any{"referral_id": id, "type": string(kind)})
	}
	return out, err
}

// DenyRequest discards the outstanding request.
func (m *Manager) DenyRequest(ctx context.Context, id string) (Referral, error) {
	var kind RequestKind
	out, err := m.mutate(ctx, id, "deny", func(r *Referral) error {
		if r.PendingRequest == nil {
			return &StateError{ID: r.ID, From: r.Status, Reason: "no outstanding change request"}
		}
		kind = r.PendingRequest.Type
		r.PendingRequest = nil
		return nil
	})
	if err == nil {
		_ = audit.LogEvent(ctx, audit.RequestDenied, map[string]any{"referral_id": id, "type": string(kind)})
	}
	return out, err
}

// MarkAllSynced sets synced on every unsynced referral without going through
// replication. It is refused while a replication pipeline is active.
func (m *Manager) MarkAllSynced(ctx context.Context) (int, error) {
	if m.guard != nil && m.guard.Active() {
		return 0, ErrReplicationActive
	}
	n, err := m.col.MarkAllSynced(ctx)
	if err != nil {
		return n, err
	}
	m.log.WithField("count", n).Warn("referrals marked synced without replication")
	_ = audit.LogEvent(ctx, audit.ForcedSync, map[string]any{"count": n})
	return n, nil
}

// mutate folds fn and the bookkeeping every local mutation carries (updatedAt,
// synced=false) into one document write.
func (m *Manager) mutate(ctx context.Context, id, op string, fn func(*Referral) error) (Referral, error) {
	var out Referral
	err := m.col.Update(ctx, id, func(doc schema.Document) (schema.Document, error) {
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}
		if err := fn(&r); err != nil {
			return nil, err
		}
		r.UpdatedAt = m.now().UTC()
		r.Synced = false
		out = r
		return encode(r)
	})
	if err != nil {
		return Referral{}, err
	}
	m.log.WithFields(logrus.Fields{"referral_id": id, "op": op, "status": out.Status}).Debug("referral updated")
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

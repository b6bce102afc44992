// Package patient keeps a live, searchable mirror of the patients collection.
package patient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carelink.app/internal/docstore"
	"carelink.app/internal/facility"
	"carelink.app/internal/ids"
	"carelink.app/internal/obs"
	"carelink.app/internal/schema"
)

var ErrNotFound = docstore.ErrNotFound

// Directory mirrors the patients collection through a live subscription and
// rebuilds its fuzzy index on every snapshot. Reads see the latest snapshot
// the mirror has processed, so they may briefly lag a write.
type Directory struct {
	col *docstore.Collection
	sub *docstore.Subscription
	now func() time.Time
	log *logrus.Entry

	mu       sync.RWMutex
	patients []Patient
	index    []entry
	// notify is closed and replaced whenever a snapshot is applied.
	notify chan struct{}

	done chan struct{}
	once sync.Once
}

type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory subscribes to the patients collection of store and returns
// once the initial snapshot is indexed. Close releases the subscription.
func NewDirectory(store *docstore.Store, opts ...Option) (*Directory, error) {
	col, err := store.Collection(CollectionName)
	if err != nil {
		return nil, err
	}
	d := &Directory{
		col:    col,
		now:    time.Now,
		log:    obs.Component("patient"),
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sub = col.Subscribe(docstore.All())
	first, ok := <-d.sub.C()
	if !ok {
		return nil, docstore.ErrClosed
	}
	d.apply(first)
	go d.run()
	return d, nil
}

func (d *Directory) run() {
	defer close(d.done)
	for docs := range d.sub.C() {
		d.apply(docs)
	}
}

func (d *Directory) apply(docs []schema.Document) {
	patients := make([]Patient, 0, len(docs))
	index := make([]entry, 0, len(docs))
	for _, doc := range docs {
		var p Patient
		if err := schema.Decode(doc, &p); err != nil {
			d.log.WithError(err).WithField("patient_id", doc.ID()).Warn("skip undecodable patient")
			continue
		}
		patients = append(patients, p)
		index = append(index, newEntry(p))
	}
	d.mu.Lock()
	d.patients = patients
	d.index = index
	close(d.notify)
	d.notify = make(chan struct{})
	d.mu.Unlock()
}

// Close ends the live subscription and waits for the mirror to stop.
func (d *Directory) Close() {
	d.once.Do(func() {
		d.sub.Unsubscribe()
		<-d.done
	})
}

// Search ranks patients by fuzzy similarity of name and email to query,
// best first. A blank query yields no results.
func (d *Directory) Search(query string) []Match {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return search(d.index, query)
}

// All returns the mirrored patients sorted by id.
func (d *Directory) All() []Patient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Patient, len(d.patients))
	copy(out, d.patients)
	return out
}

// Get returns the mirrored patient with id.
func (d *Directory) Get(id string) (Patient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patients {
		if p.ID == id {
			return p, true
		}
	}
	return Patient{}, false
}

// GetByEmail finds a patient by email, ignoring case.
func (d *Directory) GetByEmail(email string) (Patient, bool) {
	email = strings.TrimSpace(email)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patients {
		if strings.EqualFold(p.Email, email) {
			return p, true
		}
	}
	return Patient{}, false
}

// AddPatient validates and stores a new patient, waiting until the mirror
// reflects it.
func (d *Directory) AddPatient(ctx context.Context, in NewPatient) (Patient, error) {
	if err := schema.ValidateStruct(CollectionName, in); err != nil {
		return Patient{}, err
	}
	if in.PreferredFacilityID != "" {
		if _, ok := facility.Lookup(in.PreferredFacilityID); !ok {
			return Patient{}, schema.NewValidationError(CollectionName, "preferredFacilityId", "unknown facility")
		}
	}
	if existing, ok := d.GetByEmail(in.Email); ok {
		return Patient{}, schema.NewValidationError(CollectionName, "email", "already used by "+existing.ID)
	}
	now := d.now().UTC()
	p := Patient{
		ID:                      ids.At(now),
		Name:                    strings.TrimSpace(in.Name),
		Email:                   strings.TrimSpace(in.Email),
		Phone:                   in.Phone,
		DateOfBirth:             in.DateOfBirth,
		HealthCardNumber:        in.HealthCardNumber,
		Address:                 in.Address,
		EmergencyContactName:    in.EmergencyContactName,
		EmergencyContactPhone:   in.EmergencyContactPhone,
		AccessibilityNeeds:      in.AccessibilityNeeds,
		PreferredLanguage:       valueOr(in.PreferredLanguage, "en"),
		PreferredFacilityID:     in.PreferredFacilityID,
		CommunicationPreference: valueOr(in.CommunicationPreference, "both"),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := d.Insert(ctx, p); err != nil {
		return Patient{}, err
	}
	d.log.WithField("patient_id", p.ID).Info("patient added")
	return p, d.waitFor(ctx, func() bool { _, ok := d.Get(p.ID); return ok })
}

// Insert stores a fully formed patient record as is.
func (d *Directory) Insert(ctx context.Context, p Patient) error {
	doc, err := schema.Encode(p)
	if err != nil {
		return err
	}
	return d.col.Insert(ctx, doc)
}

// UpdatePatient merges fields into the patient and stamps updatedAt. A nil
// value clears a field.
func (d *Directory) UpdatePatient(ctx context.Context, id string, fields map[string]any) (Patient, error) {
	for _, key := range []string{"id", "createdAt"} {
		if _, ok := fields[key]; ok {
			return Patient{}, schema.NewValidationError(CollectionName, key, "cannot change")
		}
	}
	patch := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		patch[k] = v
	}
	patch["updatedAt"] = d.now().UTC()
	if err := d.col.Patch(ctx, id, patch); err != nil {
		return Patient{}, err
	}
	doc, err := d.col.FindOne(ctx, id)
	if err != nil {
		return Patient{}, err
	}
	var p Patient
	if err := schema.Decode(doc, &p); err != nil {
		return Patient{}, err
	}
	return p, d.waitFor(ctx, func() bool { got, ok := d.Get(id); return ok && got == p })
}

// Remove deletes a patient. Referrals that name the patient are left as is.
func (d *Directory) Remove(ctx context.Context, id string) error {
	if err := d.col.Remove(ctx, id); err != nil {
		return err
	}
	return d.waitFor(ctx, func() bool { _, ok := d.Get(id); return !ok })
}

func (d *Directory) waitFor(ctx context.Context, cond func() bool) error {
	for {
		d.mu.RLock()
		next := d.notify
		d.mu.RUnlock()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return errors.New("patient directory closed")
		case <-next:
		}
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

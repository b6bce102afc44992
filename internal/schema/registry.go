package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MigrationFunc maps a document of version n-1 to version n. It must be total
// and must not retain references to its input.
type MigrationFunc func(old Document) Document

// Field declares a document field and its validation rule expressed as a
// go-playground/validator tag, e.g. "required,oneof=low medium high".
type Field struct {
	Name string
	Rule string
}

// Collection declares the current shape of one entity.
type Collection struct {
	Name    string
	Version int
	Fields  []Field
	// Migrations is keyed by the version a function produces (1..Version).
	Migrations map[int]MigrationFunc
	// Check runs after field rules for structural constraints that tags
	// cannot express. It returns field -> problem.
	Check func(Document) map[string]string
	// SyncFlag names the boolean field replication sets once a document is
	// confirmed durable remotely. Empty when the entity has none.
	SyncFlag string
	// Touch names the RFC 3339 timestamp a store-level patch advances when
	// the patch does not set it itself.
	Touch string
	// LocalFields never leave the device: replication does not send them and
	// a pulled copy keeps the local values.
	LocalFields []string
}

// WithoutLocal returns a shallow copy of doc without the LocalFields.
func (c *Collection) WithoutLocal(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range c.LocalFields {
		delete(out, f)
	}
	return out
}

var validate = validator.New()

// Validate checks doc against the collection's fields.
func (c *Collection) Validate(doc Document) (err error) {
	problems := map[string]string{}
	defer func() {
		// validator panics on rules applied to the wrong kind; report it as a
		// malformed field instead of crashing the caller.
		if r := recover(); r != nil {
			problems["_document"] = fmt.Sprint(r)
			err = &ValidationError{Collection: c.Name, Fields: problems}
		}
	}()

	if doc == nil {
		return NewValidationError(c.Name, "_document", "document is nil")
	}
	if _, ok := doc["id"].(string); !ok || doc.ID() == "" {
		problems["id"] = "required"
	}
	rules := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		if f.Rule != "" {
			rules[f.Name] = f.Rule
		}
	}
	for field, res := range validate.ValidateMapCtx(context.Background(), doc, rules) {
		problems[field] = describe(res)
	}
	if c.Check != nil {
		for field, problem := range c.Check(doc) {
			problems[field] = problem
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Collection: c.Name, Fields: problems}
	}
	return nil
}

func describe(res any) string {
	var verrs validator.ValidationErrors
	if err, ok := res.(error); ok && errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fe.Tag() + "=" + fe.Param()
		}
		return fe.Tag()
	}
	return fmt.Sprint(res)
}

// Registry holds the declared collections.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Register adds a collection. Every version from 1 to Version needs a
// migration function so that no stored version is ever skipped.
func (r *Registry) Register(c Collection) error {
	if c.Name == "" {
		return errors.New("schema: collection name is required")
	}
	if c.Version < 0 {
		return fmt.Errorf("schema: %s: negative version", c.Name)
	}
	for v := 1; v <= c.Version; v++ {
		if c.Migrations[v] == nil {
			return fmt.Errorf("schema: %s: missing migration to v%d", c.Name, v)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collections[c.Name]; exists {
		return fmt.Errorf("schema: %s already registered", c.Name)
	}
	cp := c
	r.collections[c.Name] = &cp
	return nil
}

// MustRegister is Register for static declarations.
func (r *Registry) MustRegister(cs ...Collection) *Registry {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the declaration for name.
func (r *Registry) Lookup(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	return c, ok
}

// Names lists registered collections in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Migrate brings doc from storedVersion to the collection's current version,
// applying each step once in ascending order, and validates the result. A
// document already at the current version is returned unchanged.
func (r *Registry) Migrate(name string, doc Document, storedVersion int) (Document, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return nil, &MigrationError{Collection: name, DocID: doc.ID(), From: storedVersion, Err: errors.New("unknown collection")}
	}
	if storedVersion > c.Version {
		return nil, &MigrationError{Collection: name, DocID: doc.ID(), From: storedVersion, To: c.Version,
			Err: errors.New("stored version is newer than the registered schema")}
	}
	if storedVersion < 0 {
		return nil, &MigrationError{Collection: name, DocID: doc.ID(), From: storedVersion, To: c.Version,
			Err: errors.New("negative stored version")}
	}
	out := doc.Clone()
	for v := storedVersion + 1; v <= c.Version; v++ {
		next, err := applyStep(c.Migrations[v], out)
		if err != nil {
			return nil, &MigrationError{Collection: name, DocID: doc.ID(), From: v - 1, To: v, Err: err}
		}
		out = next
	}
	if storedVersion == c.Version {
		return out, nil
	}
	if err := c.Validate(out); err != nil {
		return nil, &MigrationError{Collection: name, DocID: doc.ID(), From: storedVersion, To: c.Version, Err: err}
	}
	return out, nil
}

func applyStep(fn MigrationFunc, doc Document) (out Document, err error) {
	if fn == nil {
		return nil, errors.New("missing migration step")
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("migration panicked: %v", r)
		}
	}()
	out = fn(doc.Clone())
	if out == nil {
		return nil, errors.New("migration returned no document")
	}
	return out, nil
}

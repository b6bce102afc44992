package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/docstore"
	"carelink.app/internal/patient"
	"carelink.app/internal/schema"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newProvider(t *testing.T) (*Provider, *testClock) {
	t.Helper()
	ctx := context.Background()
	reg := schema.NewRegistry().MustRegister(UserSchema(), TokenSchema(), patient.Schema())
	store, err := docstore.Open(ctx, docstore.NewMemoryBackend(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hash, err := HashPassword("demo123")
	require.NoError(t, err)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	nurse, err := schema.Encode(User{ID: "demo-nurse-sarah", Email: "nurse@carelink.demo", Name: "Sarah Mitchell, RN",
		Role: RoleNurse, PasswordHash: hash, CreatedAt: created})
	require.NoError(t, err)
	require.NoError(t, store.MustCollection(UsersCollection).Insert(ctx, nurse))

	pt, err := schema.Encode(patient.Patient{
		ID:                      "demo-patient-margaret",
		Name:                    "Margaret Thompson",
		Email:                   "margaret@patient.demo",
		PreferredLanguage:       "en",
		CommunicationPreference: "both",
		PasswordHash:            hash,
		CreatedAt:               created,
		UpdatedAt:               created,
	})
	require.NoError(t, err)
	require.NoError(t, store.MustCollection(patient.CollectionName).Insert(ctx, pt))

	clk := &testClock{now: time.Now().UTC()}
	p, err := NewProvider(store, "test-secret", WithClock(clk.Now), WithPublicURL("https://carelink.test/"))
	require.NoError(t, err)
	return p, clk
}

func TestNewProviderRequiresSecret(t *testing.T) {
	reg := schema.NewRegistry().MustRegister(UserSchema(), TokenSchema(), patient.Schema())
	store, err := docstore.Open(context.Background(), docstore.NewMemoryBackend(), reg)
	require.NoError(t, err)
	_, err = NewProvider(store, "  ")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLoginNurseAndPatient(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	id, err := p.Login(ctx, "Nurse@CareLink.demo", "demo123")
	require.NoError(t, err)
	assert.Equal(t, RoleNurse, id.Role)
	assert.Equal(t, "demo-nurse-sarah", id.UserID)

	id, err = p.Login(ctx, "margaret@patient.demo", "demo123")
	require.NoError(t, err)
	assert.Equal(t, RolePatient, id.Role)
	assert.Equal(t, "Margaret Thompson", id.Name)

	_, err = p.Login(ctx, "margaret@patient.demo", "wrong")
	assert.ErrorIs(t, err, ErrAuth)
	_, err = p.Login(ctx, "nobody@patient.demo", "demo123")
	assert.ErrorIs(t, err, ErrAuth)
	_, err = p.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestMagicLinkIsSingleUse(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	link, err := p.SendMagicLink(ctx, "margaret@patient.demo")
	require.NoError(t, err)
	assert.Contains(t, link.URL, "https://carelink.test/auth/verify?token=")

	id, err := p.VerifyMagicLink(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, "demo-patient-margaret", id.UserID)
	assert.Equal(t, RolePatient, id.Role)

	_, err = p.VerifyMagicLink(ctx, link.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMagicLinkForUnknownEmail(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	link, err := p.SendMagicLink(ctx, "mary.jones@example.org")
	require.NoError(t, err)
	id, err := p.VerifyMagicLink(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, "Mary Jones", id.Name)
	assert.Contains(t, id.UserID, "patient_")

	_, err = p.SendMagicLink(ctx, "not-an-email")
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestMagicLinkExpires(t *testing.T) {
	p, clk := newProvider(t)
	ctx := context.Background()

	link, err := p.SendMagicLink(ctx, "margaret@patient.demo")
	require.NoError(t, err)
	clk.Advance(DefaultMagicLinkTTL + time.Minute)
	_, err = p.VerifyMagicLink(ctx, link.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionRoundTrip(t *testing.T) {
	p, clk := newProvider(t)
	token, expires, err := p.IssueSession(Identity{UserID: "demo-nurse-sarah", Email: "nurse@carelink.demo", Role: RoleNurse})
	require.NoError(t, err)
	assert.True(t, expires.After(clk.Now()))

	id, err := p.ParseSession(token)
	require.NoError(t, err)
	assert.Equal(t, "demo-nurse-sarah", id.UserID)
	assert.Equal(t, RoleNurse, id.Role)

	// A magic link token is not a session.
	link, err := p.SendMagicLink(context.Background(), "margaret@patient.demo")
	require.NoError(t, err)
	_, err = p.ParseSession(link.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.ParseSession(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	clk.Advance(DefaultSessionTTL + time.Minute)
	_, err = p.ParseSession(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = p.IssueSession(Identity{UserID: "x", Role: "admin"})
	assert.Error(t, err)
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{UserID: "u1", Role: RolePatient})
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)

	ctx = ContextWithToken(ctx, "abc")
	tok, ok := TokenFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc", tok)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("demo123")
	require.NoError(t, err)
	assert.NoError(t, VerifyPassword(hash, "demo123"))
	assert.ErrorIs(t, VerifyPassword(hash, "wrong"), ErrAuth)
	assert.ErrorIs(t, VerifyPassword("", "demo123"), ErrAuth)

	_, err = HashPassword("")
	assert.ErrorIs(t, err, ErrWeakPassword)
	_, err = HashPassword(string(make([]byte, 73)))
	assert.ErrorIs(t, err, ErrWeakPassword)
}

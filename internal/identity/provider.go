// Package identity authenticates nurses and patients against the local
// collections and issues the signed tokens the gateway accepts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"carelink.app/internal/docstore"
	"carelink.app/internal/ids"
	"carelink.app/internal/obs"
	"carelink.app/internal/patient"
	"carelink.app/internal/schema"
)

const (
	issuer            = "carelink"
	audienceSession   = "session"
	audienceMagicLink = "magic-link"

	DefaultSessionTTL   = 12 * time.Hour
	DefaultMagicLinkTTL = 15 * time.Minute
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Provider implements login, magic links and session tokens.
type Provider struct {
	users    *docstore.Collection
	patients *docstore.Collection
	tokens   *docstore.Collection

	secret       []byte
	sessionTTL   time.Duration
	magicLinkTTL time.Duration
	publicURL    string
	now          func() time.Time
	log          *logrus.Entry
}

type Option func(*Provider)

func WithSessionTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.sessionTTL = d
		}
	}
}

func WithMagicLinkTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.magicLinkTTL = d
		}
	}
}

// WithPublicURL sets the base URL magic links point at.
func WithPublicURL(u string) Option {
	return func(p *Provider) { p.publicURL = strings.TrimRight(u, "/") }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider binds a provider to the users, patients and magicLinkTokens
// collections of store, signing tokens with secret (HS256).
func NewProvider(store *docstore.Store, secret string, opts ...Option) (*Provider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingKey
	}
	p := &Provider{
		secret:       []byte(secret),
		sessionTTL:   DefaultSessionTTL,
		magicLinkTTL: DefaultMagicLinkTTL,
		publicURL:    "http://localhost:8080",
		now:          time.Now,
		log:          obs.Component("identity"),
	}
	var err error
	if p.users, err = store.Collection(UsersCollection); err != nil {
		return nil, err
	}
	if p.patients, err = store.Collection(patient.CollectionName); err != nil {
		return nil, err
	}
	if p.tokens, err = store.Collection(TokensCollection); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailSelector(email string) docstore.Selector {
	return docstore.Func(func(d schema.Document) bool {
		return normalizeEmail(d.String("email")) == email
	})
}

// Login checks email and password against staff accounts first, then
// patients. Any failure is reported as ErrAuth.
func (p *Provider) Login(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Identity{}, ErrAuth
	}
	users, err := p.users.Find(ctx, emailSelector(email))
	if err != nil {
		return Identity{}, err
	}
	if len(users) > 0 {
		var u User
		if err := schema.Decode(users[0], &u); err != nil {
			return Identity{}, err
		}
		if VerifyPassword(u.PasswordHash, password) != nil {
			p.log.WithField("email", email).Warn("login rejected")
			return Identity{}, ErrAuth
		}
		return Identity{UserID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}, nil
	}
	pts, err := p.patients.Find(ctx, emailSelector(email))
	if err != nil {
		return Identity{}, err
	}
	if len(pts) == 0 {
		p.log.WithField("email", email).Warn("login rejected")
		return Identity{}, ErrAuth
	}
	var pt patient.Patient
	if err := schema.Decode(pts[0], &pt); err != nil {
		return Identity{}, err
	}
	if VerifyPassword(pt.PasswordHash, password) != nil {
		p.log.WithField("email", email).Warn("login rejected")
		return Identity{}, ErrAuth
	}
	return Identity{UserID: pt.ID, Email: pt.Email, Name: pt.Name, Role: RolePatient}, nil
}

type magicClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SendMagicLink issues a single-use login link for email. Delivery is out of
// scope: the link is logged and returned.
func (p *Provider) SendMagicLink(ctx context.Context, email string) (MagicLink, error) {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return MagicLink{}, schema.NewValidationError(TokensCollection, "email", "email")
	}
	now := p.now().UTC()
	rec := tokenRecord{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      nameFromEmail(email),
		ExpiresAt: now.Add(p.magicLinkTTL),
		CreatedAt: now,
	}
	claims := magicClaims{
		Email: rec.Email,
		Name:  rec.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   normalizeEmail(email),
			Audience:  jwt.ClaimStrings{audienceMagicLink},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
			ID:        rec.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return MagicLink{}, fmt.Errorf("sign magic link: %w", err)
	}
	doc, err := schema.Encode(rec)
	if err != nil {
		return MagicLink{}, err
	}
	if err := p.tokens.Insert(ctx, doc); err != nil {
		return MagicLink{}, err
	}
	link := MagicLink{
		Token:     signed,
		URL:       p.publicURL + "/auth/verify?token=" + url.QueryEscape(signed),
		ExpiresAt: rec.ExpiresAt,
	}
	p.log.WithFields(logrus.Fields{"email": email, "url": link.URL}).Info("magic link generated")
	return link, nil
}

// VerifyMagicLink consumes a magic link token. A token verifies at most once.
// Known patients resolve to their record; other addresses get a fresh
// patient identity.
func (p *Provider) VerifyMagicLink(ctx context.Context, token string) (Identity, error) {
	claims := &magicClaims{}
	if err := p.parse(token, audienceMagicLink, claims); err != nil {
		return Identity{}, err
	}
	err := p.tokens.Update(ctx, claims.ID, func(doc schema.Document) (schema.Document, error) {
		if doc.Bool("used") {
			return nil, ErrInvalidToken
		}
		doc["used"] = true
		return doc, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}

	email := normalizeEmail(claims.Email)
	pts, err := p.patients.Find(ctx, emailSelector(email))
	if err != nil {
		return Identity{}, err
	}
	if len(pts) > 0 {
		var pt patient.Patient
		if err := schema.Decode(pts[0], &pt); err != nil {
			return Identity{}, err
		}
		return Identity{UserID: pt.ID, Email: pt.Email, Name: pt.Name, Role: RolePatient}, nil
	}
	return Identity{UserID: "patient_" + ids.New(), Email: claims.Email, Name: claims.Name, Role: RolePatient}, nil
}

type sessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// IssueSession signs a session token for id.
func (p *Provider) IssueSession(id Identity) (string, time.Time, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, errors.New("identity: user id is required")
	}
	if id.Role != RoleNurse && id.Role != RolePatient {
		return "", time.Time{}, fmt.Errorf("identity: unknown role %q", id.Role)
	}
	now := p.now().UTC()
	expires := now.Add(p.sessionTTL)
	claims := sessionClaims{
		Email: id.Email,
		Name:  id.Name,
		Role:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{audienceSession},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expires, nil
}

// ParseSession verifies a session token.
func (p *Provider) ParseSession(token string) (Identity, error) {
	claims := &sessionClaims{}
	if err := p.parse(token, audienceSession, claims); err != nil {
		return Identity{}, err
	}
	if claims.Role != RoleNurse && claims.Role != RolePatient {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name, Role: claims.Role}, nil
}

func (p *Provider) parse(token, audience string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return ErrInvalidToken
	}
	return nil
}

// nameFromEmail turns "mary.jones@x" into "Mary Jones".
func nameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	words := strings.FieldsFunc(local, func(r rune) bool { return r == '.' || r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

package identity

import (
	"errors"
	"time"

	"carelink.app/internal/schema"
)

const (
	UsersCollection  = "users"
	TokensCollection = "magicLinkTokens"
)

type Role string

const (
	RoleNurse   Role = "nurse"
	RolePatient Role = "patient"
)

var (
	// ErrAuth is returned for unknown accounts and wrong passwords alike.
	ErrAuth         = errors.New("invalid email or password")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("identity: signing secret is not configured")
)

// User is a staff account stored in the users collection.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"passwordHash"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity is an authenticated caller.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// MagicLink is an issued single-use login link.
type MagicLink struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserSchema declares the users collection. Version 1 introduced the
// optional phone field; older documents need no change.
func UserSchema() schema.Collection {
	return schema.Collection{
		Name:    UsersCollection,
		Version: 1,
		Fields: []schema.Field{
			{Name: "email", Rule: "required,email"},
			{Name: "name", Rule: "required"},
			{Name: "role", Rule: "required,oneof=nurse patient"},
			{Name: "passwordHash", Rule: "required"},
			{Name: "createdAt", Rule: "required"},
		},
		Migrations: map[int]schema.MigrationFunc{
			1: func(old schema.Document) schema.Document { return old },
		},
	}
}

// TokenSchema declares the magicLinkTokens collection.
func TokenSchema() schema.Collection {
	return schema.Collection{
		Name:    TokensCollection,
		Version: 0,
		Fields: []schema.Field{
			{Name: "email", Rule: "required,email"},
			{Name: "expiresAt", Rule: "required"},
			{Name: "used", Rule: "boolean"},
			{Name: "createdAt", Rule: "required"},
		},
	}
}

type tokenRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"createdAt"`
}

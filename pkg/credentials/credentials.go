// Package credentials resolves the connection secrets of the outcome
// broker and the command store. Secrets are kept encrypted at rest and
// opened through a Go Cloud secrets keeper, so the same code works with a
// local key in development and a cloud KMS in production.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider.
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential.
type CredentialType string

const (
	// CredentialTypeToken is a bearer token.
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword is a username and password.
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials are the secret part of a connection.
type Credentials struct {
	Type      CredentialType `json:"type"`
	Token     string         `json:"token,omitempty"`
	User      string         `json:"user,omitempty"`
	Password  string         `json:"password,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// IsExpired reports whether the credentials expired at now.
func (c *Credentials) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type.
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts the secret fields.
func (c *Credentials) String() string {
	if c.Type == CredentialTypeUserPassword {
		return fmt.Sprintf("%s(%s:***)", c.Type, c.User)
	}
	return fmt.Sprintf("%s(***)", c.Type)
}

// Redacted returns a copy safe to log or print.
func (c *Credentials) Redacted() Credentials {
	out := *c
	if out.Token != "" {
		out.Token = "***"
	}
	if out.Password != "" {
		out.Password = "***"
	}
	return out
}

// Provider yields the current credentials.
type Provider interface {
	Credentials(ctx context.Context) (*Credentials, error)
	Close() error
}

// Static serves fixed credentials. Meant for development and tests.
type Static struct {
	creds *Credentials
}

// NewStaticToken creates a provider for a bearer token.
func NewStaticToken(token string) *Static {
	return &Static{creds: &Credentials{Type: CredentialTypeToken, Token: token}}
}

// NewStaticUserPassword creates a provider for a username and password.
func NewStaticUserPassword(user, password string) *Static {
	return &Static{creds: &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}}
}

func (s *Static) Credentials(context.Context) (*Credentials, error) {
	if err := s.creds.Validate(); err != nil {
		return nil, err
	}
	if s.creds.IsExpired(time.Now()) {
		return nil, ErrCredentialsExpired
	}
	return s.creds, nil
}

func (s *Static) Close() error {
	return nil
}

// NATSOptions turns credentials into connection options.
func NATSOptions(c *Credentials) []nats.Option {
	switch c.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(c.Token)}
	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(c.User, c.Password)}
	}
	return nil
}

// secretFile is the plaintext layout inside a sealed file.
type secretFile struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

func encode(c *Credentials, now time.Time) ([]byte, error) {
	return json.Marshal(secretFile{Credentials: c, Version: 1, CreatedAt: now})
}

func decode(plaintext []byte) (*Credentials, error) {
	var sf secretFile
	if err := json.Unmarshal(plaintext, &sf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret: %w", err)
	}
	if sf.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := sf.Credentials.Validate(); err != nil {
		return nil, err
	}
	return sf.Credentials, nil
}

// Package auth handles API login, JWT session cookies and login rate limiting.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong username or password
var ErrInvalidCredentials = errors.New("invalid username or password")

// AnonymousUser is put in the request context when authentication is disabled
const AnonymousUser = "anonymous"

// User represents an authenticated API user
type User struct {
	Username string `json:"username"`
}

// CredentialSource provides the configured admin account and the bcrypt
// hash of its password. config.Config implements it; values are read on
// every login so a password change applies immediately.
type CredentialSource interface {
	AdminUser() string
	AdminPasswordHash() string
}

// Authenticator checks logins against the configured admin account
type Authenticator struct {
	source CredentialSource
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(source CredentialSource) *Authenticator {
	return &Authenticator{source: source}
}

// Authenticate verifies username and password
func (a *Authenticator) Authenticate(username, password string) (*User, error) {
	wantUser := a.source.AdminUser()
	hash := a.source.AdminPasswordHash()
	if hash == "" {
		return nil, ErrInvalidCredentials
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}
	return &User{Username: wantUser}, nil
}

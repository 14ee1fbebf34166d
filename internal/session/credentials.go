package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials is returned when no credential file exists for the
// session. The daemon treats this as auth-required, not as a failure.
var ErrNoCredentials = errors.New("no credentials for session")

// ErrCredentialsExpired is returned when the stored bearer token carries
// an exp claim in the past. Renewal is owned by the external login flow,
// which rewrites the credential file.
var ErrCredentialsExpired = errors.New("credentials expired")

type credentialFile struct {
	Token string `toml:"token"`
}

// Credentials reads the per-session bearer credential. The file is
// re-read on every Token call so that an external re-login takes effect
// without restarting the daemon.
type Credentials struct {
	path string
}

// NewCredentials creates a credential reader for the given session.
func NewCredentials(sessionName string) *Credentials {
	return &Credentials{path: CredentialsPath(sessionName)}
}

// NewCredentialsFile creates a credential reader backed by an explicit
// file path. Used for testing.
func NewCredentialsFile(path string) *Credentials {
	return &Credentials{path: path}
}

// Token returns the current bearer token. Returns ErrNoCredentials if
// the file is missing and ErrCredentialsExpired if the token's exp claim
// has passed.
func (c *Credentials) Token() (string, error) {
	var cf credentialFile
	if _, err := toml.DecodeFile(c.path, &cf); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCredentials
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if cf.Token == "" {
		return "", ErrNoCredentials
	}
	if expired(cf.Token) {
		return "", ErrCredentialsExpired
	}
	return cf.Token, nil
}

// Store writes a bearer token for the session. Used by the login flow
// and by tests.
func (c *Credentials) Store(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(credentialFile{Token: token})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// expired inspects the token's exp claim without verifying the
// signature; verification is the server's job. Opaque (non-JWT) tokens
// are passed through untouched.
func expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

package config

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/Zereker/delimrpc/message"
)

// HashPassword returns the bcrypt hash stored in User.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// Credentials authenticates Auth messages against bcrypt hashes.
// It satisfies delimrpc.Authenticator.
type Credentials struct {
	hashes map[string][]byte
}

// NewCredentials indexes users by name.
func NewCredentials(users []User) *Credentials {
	c := &Credentials{hashes: make(map[string][]byte, len(users))}
	for _, u := range users {
		c.hashes[u.Name] = []byte(u.PasswordHash)
	}
	return c
}

// Authenticate reports whether auth names a known user with the right
// password.
func (c *Credentials) Authenticate(auth *message.Auth) bool {
	hash, ok := c.hashes[auth.User]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(auth.Pass)) == nil
}

// Len returns the number of known users.
func (c *Credentials) Len() int {
	return len(c.hashes)
}

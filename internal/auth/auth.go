// Package auth provides the default authentication callbacks of the admin
// plane: user stores for admin clients and signed tokens for monitors.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cloud-admin/internal/protocol"
)

// ErrUnknownUser is returned by stores that have no entry for a name.
var ErrUnknownUser = errors.New("auth: unknown user")

// User is an admin account. Password is a bcrypt hash or plain text.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Level    int    `yaml:"level"`
}

// UserStore looks up admin accounts.
type UserStore interface {
	Lookup(ctx context.Context, username string) (User, error)
}

// AuthUser returns a client auth callback backed by store. A client in
// md5 mode sends the hex md5 of the password, which is checked against
// the md5 of the stored plain-text password; bcrypt-stored accounts need
// plain mode.
func AuthUser(store UserStore) func(ctx context.Context, req *protocol.RegisterRequest, env string) (*protocol.User, error) {
	return func(ctx context.Context, req *protocol.RegisterRequest, _ string) (*protocol.User, error) {
		u, err := store.Lookup(ctx, req.Username)
		if errors.Is(err, ErrUnknownUser) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !checkPassword(u.Password, req.Password, req.MD5) {
			return nil, nil
		}
		return &protocol.User{Username: u.Username, Level: u.Level}, nil
	}
}

func checkPassword(stored, supplied string, md5Mode bool) bool {
	if md5Mode {
		if isBcrypt(stored) {
			return false
		}
		return equal(MD5Hex(stored), strings.ToLower(supplied))
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return equal(stored, supplied)
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MD5Hex returns the lowercase hex md5 digest of s, the form admin
// clients send in md5 mode.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns the bcrypt hash of password for storing.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// GenerateSecret returns a random base64-encoded secret of n bytes.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

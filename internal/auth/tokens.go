package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cloud-admin/internal/protocol"
)

const tokenIssuer = "cloud-admin"

// ErrBadServerToken is returned when a monitor's token does not verify.
var ErrBadServerToken = errors.New("auth: bad server token")

// ServerClaims are carried by a monitor's register token.
type ServerClaims struct {
	ServerType string `json:"serverType"`
	jwt.RegisteredClaims
}

// ServerTokens issues and verifies HS256 monitor tokens. With an empty
// secret Issue returns an empty token and Verify accepts every server.
type ServerTokens struct {
	Secret []byte
	// TTL bounds a token's lifetime; zero means one minute.
	TTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (t ServerTokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for the monitor req describes. A fresh token goes
// into every register and reconnect frame.
func (t ServerTokens) Issue(_ context.Context, req *protocol.RegisterRequest, env string) (string, error) {
	if len(t.Secret) == 0 {
		return "", nil
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := t.now()
	claims := ServerClaims{
		ServerType: req.ServerType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   req.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if env != "" {
		claims.Audience = jwt.ClaimStrings{env}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

// Verify checks the token of a register or reconnect frame against the
// id and server type the frame claims.
func (t ServerTokens) Verify(_ context.Context, req *protocol.RegisterRequest, env string) error {
	if len(t.Secret) == 0 {
		return nil
	}
	if req.Token == "" {
		return fmt.Errorf("%w: missing token", ErrBadServerToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(req.ID),
		jwt.WithTimeFunc(t.now),
	}
	if env != "" {
		opts = append(opts, jwt.WithAudience(env))
	}

	var claims ServerClaims
	_, err := jwt.ParseWithClaims(req.Token, &claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadServerToken, err)
	}
	if claims.ServerType != req.ServerType {
		return fmt.Errorf("%w: server type %q, token has %q", ErrBadServerToken, req.ServerType, claims.ServerType)
	}
	return nil
}

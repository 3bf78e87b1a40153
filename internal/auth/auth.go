// Package auth issues and verifies bearer tokens and checks roles.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"outlay/internal/core"
)

var (
	// ErrUnauthenticated covers every way a credential can be unusable:
	// malformed, bad signature, expired, or missing identity claims.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Claims is the identity carried by a verified token.
type Claims struct {
	SubjectID int64
	Email     string
	Role      core.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the wire form. The subject id is written both as "sub"
// and "id"; either is accepted on the way in.
type tokenClaims struct {
	ID    int64  `json:"id,omitempty"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

func NewVerifier(secret []byte, alg string) (*Verifier, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	return &Verifier{secret: secret, method: method, now: time.Now}, nil
}

// Authenticate verifies token and returns its claims. Every failure is
// reported as ErrUnauthenticated, wrapping the underlying cause.
func (v *Verifier) Authenticate(token string) (Claims, error) {
	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, tc,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := tc.ID
	if id == 0 && tc.Subject != "" {
		if id, err = strconv.ParseInt(tc.Subject, 10, 64); err != nil {
			return Claims{}, fmt.Errorf("%w: bad subject %q", ErrUnauthenticated, tc.Subject)
		}
	}
	if id <= 0 {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	if tc.Email == "" {
		return Claims{}, fmt.Errorf("%w: missing email", ErrUnauthenticated)
	}

	role := core.RoleUser
	if tc.Role != "" {
		if role, err = core.ParseRole(tc.Role); err != nil {
			return Claims{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
	}

	c := Claims{SubjectID: id, Email: tc.Email, Role: role}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// Authorize reports ErrForbidden unless claims carry at least required.
// Admins satisfy user-level checks.
func Authorize(c Claims, required core.Role) error {
	if required == core.RoleAdmin && c.Role != core.RoleAdmin {
		return fmt.Errorf("%w: role %s, need %s", ErrForbidden, c.Role, required)
	}
	return nil
}

// Token is the response of a successful credential exchange.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"-"`
}

// Issuer mints access tokens.
type Issuer struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
}

func NewIssuer(secret []byte, alg string, ttl time.Duration) (*Issuer, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Issuer{secret: secret, method: method, ttl: ttl}, nil
}

func (i *Issuer) Issue(user core.User, now time.Time) (Token, error) {
	exp := now.Add(i.ttl)
	tok := jwt.NewWithClaims(i.method, tokenClaims{
		ID:    user.ID,
		Email: user.Email,
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp}, nil
}

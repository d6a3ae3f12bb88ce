package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tollgate.dev/internal/plan"
)

const defaultIssuer = "tollgate"

// Claims is the bearer token payload produced by the identity provider.
type Claims struct {
	Role           string `json:"role"`
	Plan           string `json:"plan"`
	OrganizationID string `json:"org,omitempty"`
	EmailVerified  bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens and turns them into principals.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithIssuer overrides the expected issuer claim.
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) {
		if s := strings.TrimSpace(issuer); s != "" {
			v.issuer = s
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier requires a non-empty shared secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	v := &Verifier{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue signs a token for p. Used by tooling and tests standing in for the
// identity provider.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", errors.New("auth: principal id is required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be greater than zero")
	}
	now := v.now().UTC()
	claims := Claims{
		Role:           string(p.Role),
		Plan:           string(p.PlanID),
		OrganizationID: p.OrganizationID,
		EmailVerified:  p.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and claims. Unknown role strings are passed
// through unchanged; the resolver denies them everything.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	role := Role(strings.TrimSpace(strings.ToLower(claims.Role)))
	return Principal{
		ID:             claims.Subject,
		Role:           role,
		PlanID:         plan.ID(strings.TrimSpace(strings.ToLower(claims.Plan))),
		OrganizationID: strings.TrimSpace(claims.OrganizationID),
		EmailVerified:  claims.EmailVerified,
	}, nil
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrUnauthorized is returned when a token is missing or fails verification
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptySecret is returned when no signing secret is configured
	ErrEmptySecret = errors.New("signing secret must not be empty")
)

const (
	// AudienceAgent is the audience of tokens presented to agents
	AudienceAgent = "agent"

	// AudienceOrchestrator is the audience of tokens presented to the orchestrator
	AudienceOrchestrator = "orchestrator"

	// HeaderAuthorization carries the bearer token on NATS messages
	HeaderAuthorization = "Authorization"
)

// Claims names the caller and the capabilities it was granted
type Claims struct {
	Capabilities []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the subject of the token
func (c *Claims) Identity() string {
	return c.Subject
}

// HasCapability reports whether the token grants capability
func (c *Claims) HasCapability(capability string) bool {
	for _, granted := range c.Capabilities {
		if granted == capability {
			return true
		}
	}
	return false
}

// Issuer signs short-lived HS256 tokens
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer that stamps tokens with issuer
func NewIssuer(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for identity, valid for ttl and addressed to audience
func (i *Issuer) Issue(identity string, capabilities []string, audience string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.issuer,
			Subject:   identity,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks tokens signed by a matching Issuer
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier that accepts tokens from issuer
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 5 * time.Second}, nil
}

// Verify checks signature, issuer, audience and expiry
func (v *Verifier) Verify(token, audience string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// Bearer formats a token as an Authorization header value
func Bearer(token string) string {
	return "Bearer " + token
}

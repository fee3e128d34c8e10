// Package token issues and verifies compact signed claim tokens used at
// session setup (§4.A). It does not encrypt payloads: no per-frame payload
// token is issued or verified anywhere in this module.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrBadSignature is returned when a token fails MAC verification, is
// expired, or is otherwise malformed. Surfaced as a setup rejection (§4.A,
// §7).
var ErrBadSignature = errors.New("BAD_SIGNATURE")

// defaultTTL bounds how long a token remains valid.
const defaultTTL = 30 * time.Second

// claims wraps an arbitrary claim map in a JWT registered-claims envelope
// so issuance gets exp/iat handling for free from golang-jwt.
type claims struct {
	jwt.RegisteredClaims
	Data json.RawMessage `json:"data"`
}

// Codec issues and verifies HMAC-signed tokens carrying an arbitrary claim
// value, shared by every session on a node.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// New returns a Codec signing with secret. Panics if secret is empty: a
// codec with no secret can't meaningfully authenticate anything.
func New(secret []byte) *Codec {
	if len(secret) == 0 {
		panic("token: empty signing secret")
	}
	return &Codec{secret: secret, ttl: defaultTTL}
}

// WithTTL returns a copy of c using ttl instead of the default token
// lifetime.
func (c *Codec) WithTTL(ttl time.Duration) *Codec {
	return &Codec{secret: c.secret, ttl: ttl}
}

// Issue signs claims (any JSON-marshalable value) into a compact token
// string.
func (c *Codec) Issue(claimsValue any) (string, error) {
	data, err := json.Marshal(claimsValue)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Data: data,
	})

	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry, then unmarshals its
// claim data into out (a pointer). Any failure collapses to
// ErrBadSignature: the spec draws no distinction between a forged token
// and an expired or malformed one.
func (c *Codec) Verify(token string, out any) error {
	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrBadSignature, t.Method)
		}
		return c.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}

	if out != nil {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return fmt.Errorf("%w: unmarshal claims: %w", ErrBadSignature, err)
		}
	}
	return nil
}

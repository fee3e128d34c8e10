package token_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nsrpc/nsrpc/internal/token"
)

type claimShape struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
}

// TestIssueThenVerifyRoundTrips verifies that a token issued with a codec
// verifies successfully under the same secret and yields the original
// claims.
func TestIssueThenVerifyRoundTrips(t *testing.T) {
	t.Parallel()

	c := token.New([]byte("shared-secret"))
	signed, err := c.Issue(claimShape{ID: "abc", Namespace: "basic_math"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var got claimShape
	if err := c.Verify(signed, &got); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != "abc" || got.Namespace != "basic_math" {
		t.Fatalf("got claims %+v, want {abc basic_math}", got)
	}
}

// TestVerifyWrongSecretFails verifies a token signed under one secret is
// rejected under another with ErrBadSignature.
func TestVerifyWrongSecretFails(t *testing.T) {
	t.Parallel()

	issuer := token.New([]byte("secret-a"))
	signed, err := issuer.Issue(claimShape{ID: "abc"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier := token.New([]byte("secret-b"))
	var got claimShape
	err = verifier.Verify(signed, &got)
	if !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("verify under wrong secret: got %v, want ErrBadSignature", err)
	}
}

// TestVerifyMalformedTokenFails verifies a syntactically invalid token is
// rejected with ErrBadSignature rather than panicking.
func TestVerifyMalformedTokenFails(t *testing.T) {
	t.Parallel()

	c := token.New([]byte("secret"))
	var got claimShape
	if err := c.Verify("not-a-jwt", &got); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("verify malformed token: got %v, want ErrBadSignature", err)
	}
}

// TestVerifyExpiredTokenFails verifies a token past its TTL is rejected.
func TestVerifyExpiredTokenFails(t *testing.T) {
	t.Parallel()

	c := token.New([]byte("secret")).WithTTL(1 * time.Millisecond)
	signed, err := c.Issue(claimShape{ID: "abc"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	var got claimShape
	if err := c.Verify(signed, &got); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("verify expired token: got %v, want ErrBadSignature", err)
	}
}

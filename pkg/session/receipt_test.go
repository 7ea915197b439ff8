package session

import (
	"strings"
	"testing"
	"time"

	"github.com/wisbric/triad/pkg/triad"
)

const testReceiptSecret = "0123456789abcdef0123456789abcdef"

func TestReceiptSignerRoundTrip(t *testing.T) {
	rs, err := NewReceiptSigner(testReceiptSecret, "")
	if err != nil {
		t.Fatalf("NewReceiptSigner: %v", err)
	}

	now := time.Now()
	sess := &Session{
		SessionId:  "ses_test",
		IdentityId: triad.IdentityId("identity-1"),
		DeviceId:   "device-1",
		Scopes:     []triad.Scope{triad.ScopeWalletTransfer},
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}

	token, err := rs.Issue(sess, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}

	claims, err := rs.Parse(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.SessionId != sess.SessionId {
		t.Errorf("SessionId = %q, want %q", claims.SessionId, sess.SessionId)
	}
	if claims.IdentityId != string(sess.IdentityId) {
		t.Errorf("IdentityId = %q, want %q", claims.IdentityId, sess.IdentityId)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != triad.ScopeWalletTransfer {
		t.Errorf("Scopes = %v, want [wallet:transfer]", claims.Scopes)
	}
}

func TestReceiptSignerRejectsExpired(t *testing.T) {
	rs, err := NewReceiptSigner(testReceiptSecret, "")
	if err != nil {
		t.Fatalf("NewReceiptSigner: %v", err)
	}

	now := time.Now()
	sess := &Session{
		SessionId:  "ses_test",
		IdentityId: triad.IdentityId("identity-1"),
		DeviceId:   "device-1",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Minute),
	}

	token, err := rs.Issue(sess, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := rs.Parse(token, now.Add(2*time.Minute)); err == nil {
		t.Error("Parse of an expired receipt succeeded, want error")
	}
}

func TestReceiptSignerRejectsWrongKey(t *testing.T) {
	rs, err := NewReceiptSigner(testReceiptSecret, "")
	if err != nil {
		t.Fatalf("NewReceiptSigner: %v", err)
	}
	other, err := NewReceiptSigner(strings.Repeat("z", 32), "")
	if err != nil {
		t.Fatalf("NewReceiptSigner(other): %v", err)
	}

	now := time.Now()
	sess := &Session{
		SessionId:  "ses_test",
		IdentityId: triad.IdentityId("identity-1"),
		DeviceId:   "device-1",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}

	token, err := rs.Issue(sess, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := other.Parse(token, now); err == nil {
		t.Error("Parse succeeded against the wrong signing key, want error")
	}
}

func TestNewReceiptSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewReceiptSigner("too-short", ""); err == nil {
		t.Error("NewReceiptSigner accepted a short secret, want error")
	}
}

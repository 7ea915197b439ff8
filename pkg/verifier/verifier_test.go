package verifier

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/triad/pkg/cryptoverify"
	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/nonceledger"
	"github.com/wisbric/triad/pkg/ratelimit"
	"github.com/wisbric/triad/pkg/triad"
)

const testAuthority = "triad-authority"

type harness struct {
	v    *Verifier
	id   triad.IdentityId
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	ids := identity.New()
	id := triad.IdentityId("identity-1")
	now := time.Now()
	if _, err := ids.CreateIdentity(id, identity.DeviceKey{
		DeviceId: "device-1",
		Algo:     triad.AlgoEd25519,
		Pubkey:   pub,
	}, nil, now); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	v := &Verifier{
		Identities:    ids,
		Nonces:        nonceledger.New(time.Hour),
		RateLimit:     ratelimit.New(30, 30*time.Second),
		ThisAuthority: testAuthority,
	}
	return &harness{v: v, id: id, pub: pub, priv: priv}
}

func (h *harness) issueAndSign(t *testing.T, now time.Time, method string) LinkProof {
	t.Helper()
	ch, err := h.v.IssueChallenge(h.id, testAuthority, method, now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	digest := cryptoverify.Digest(ch.Aud, ch.Method, h.id, ch.Nonce, ch.ExpiresAt.UnixNano())
	sig := ed25519.Sign(h.priv, digest[:])
	return LinkProof{
		Algo:      triad.AlgoEd25519,
		DeviceId:  "device-1",
		Pubkey:    h.pub,
		Signature: sig,
		Challenge: ch,
	}
}

func TestVerifyWithLevel_HappyPath(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")

	res, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
	if err != nil {
		t.Fatalf("VerifyWithLevel: %v", err)
	}
	if !res.Ok || res.Level != triad.AuthElevated || res.DeviceTrust != triad.TrustVerified || res.Risk != 0 {
		t.Errorf("res = %+v, want ok/elevated/verified/0", res)
	}
}

func TestVerifyWithLevel_SecondAttemptNonceReused(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")

	if _, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now.Add(time.Second))
	if !errors.Is(err, triad.ErrNonceReused) {
		t.Errorf("got %v, want ErrNonceReused", err)
	}
}

func TestVerifyWithLevel_LockoutAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		proof := h.issueAndSign(t, now, "transfer")
		proof.Signature[0] ^= 0xFF // tamper
		_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
		if !errors.Is(err, triad.ErrSignatureInvalid) {
			t.Fatalf("attempt %d: got %v, want ErrSignatureInvalid", i+1, err)
		}
	}

	// A sixth call with a valid signature is rejected as rate_limited
	// while the lockout holds.
	proof := h.issueAndSign(t, now, "transfer")
	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
	if !errors.Is(err, triad.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited during lockout", err)
	}

	// After 15 minutes the valid signature succeeds.
	later := now.Add(15*time.Minute + time.Second)
	proof2 := h.issueAndSign(t, later, "transfer")
	res, err := h.v.VerifyWithLevel(h.id, proof2, triad.AuthBasic, later)
	if err != nil {
		t.Fatalf("post-lockout verify: %v", err)
	}
	if !res.Ok {
		t.Error("expected post-lockout verify to succeed")
	}
}

func TestVerifyWithLevel_ExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")

	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, proof.Challenge.ExpiresAt.Add(time.Nanosecond))
	if !errors.Is(err, triad.ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
}

func TestVerifyWithLevel_WrongAudience(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	ch, err := h.v.IssueChallenge(h.id, "someone-else", "transfer", now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	digest := cryptoverify.Digest(ch.Aud, ch.Method, h.id, ch.Nonce, ch.ExpiresAt.UnixNano())
	sig := ed25519.Sign(h.priv, digest[:])
	proof := LinkProof{Algo: triad.AlgoEd25519, DeviceId: "device-1", Pubkey: h.pub, Signature: sig, Challenge: ch}

	_, err = h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
	if !errors.Is(err, triad.ErrInvalidAudience) {
		t.Errorf("got %v, want ErrInvalidAudience", err)
	}
}

func TestVerifyWithLevel_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")
	proof.DeviceId = "not-a-device"

	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
	if !errors.Is(err, triad.ErrDeviceUnknown) {
		t.Errorf("got %v, want ErrDeviceUnknown", err)
	}
}

func TestVerifyWithLevel_RevokedDevice(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.v.Identities.AddDeviceKey(h.id, identity.DeviceKey{DeviceId: "device-2", Algo: triad.AlgoEd25519, Pubkey: []byte("other")}, now)
	h.v.Identities.RevokeDevice(h.id, "device-1", "device-2", now)

	proof := h.issueAndSign(t, now, "transfer")
	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthBasic, now)
	if !errors.Is(err, triad.ErrDeviceRevoked) {
		t.Errorf("got %v, want ErrDeviceRevoked", err)
	}
}

func TestVerifyWithLevel_InsufficientAuthLevel(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")

	_, err := h.v.VerifyWithLevel(h.id, proof, triad.AuthMaximum, now)
	if !errors.Is(err, triad.ErrInsufficientAuth) {
		t.Errorf("got %v, want ErrInsufficientAuth", err)
	}
}

func TestVerifyWithLevel_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.v.RateLimit = ratelimit.New(1, 30*time.Second)
	now := time.Now()

	proof1 := h.issueAndSign(t, now, "transfer")
	if _, err := h.v.VerifyWithLevel(h.id, proof1, triad.AuthBasic, now); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	proof2 := h.issueAndSign(t, now, "transfer")
	_, err := h.v.VerifyWithLevel(h.id, proof2, triad.AuthBasic, now)
	if !errors.Is(err, triad.ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestVerify_CollapsesErrorsToBool(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	proof := h.issueAndSign(t, now, "transfer")
	proof.Signature[0] ^= 0xFF

	if h.v.Verify(h.id, proof, triad.AuthBasic, now) {
		t.Error("expected Verify to collapse a failure to false")
	}
}

func TestIssueChallenge_UnknownIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.v.IssueChallenge(triad.IdentityId("nope"), testAuthority, "transfer", time.Now())
	if !errors.Is(err, triad.ErrUnknownIdentity) {
		t.Errorf("got %v, want ErrUnknownIdentity", err)
	}
}

func TestIssueChallenge_DisabledIdentity(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.v.Identities.DisableIdentity(h.id, now)

	_, err := h.v.IssueChallenge(h.id, testAuthority, "transfer", now)
	if !errors.Is(err, triad.ErrIdentityDisabled) {
		t.Errorf("got %v, want ErrIdentityDisabled", err)
	}
}

// Package verifier implements challenge issuance and the ordered
// proof-verification pipeline: rate-limit admission, identity and
// lockout checks, device match, challenge validity, replay detection,
// signature verification, nonce consumption, and auth-level enforcement,
// as one sequence of short-circuiting validations.
package verifier

import (
	"time"

	"github.com/wisbric/triad/pkg/cryptoverify"
	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/nonceledger"
	"github.com/wisbric/triad/pkg/ratelimit"
	"github.com/wisbric/triad/pkg/triad"
)

// ChallengeTTL is the default lifetime of an issued challenge.
const ChallengeTTL = 90 * time.Second

// Lockout defaults, overridable via Verifier fields.
const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

// Challenge is the short-lived token returned by IssueChallenge. It is
// never persisted by the authority; only its nonce's eventual consumption
// is recorded.
type Challenge struct {
	Nonce     [cryptoverify.NonceSize]byte
	Aud       string
	Method    string
	ExpiresAt time.Time
}

// LinkProof is the signed response to a Challenge.
type LinkProof struct {
	Algo      triad.Algo
	DeviceId  string
	Pubkey    []byte
	Signature []byte
	Challenge Challenge
}

// Result is the success shape of verify_with_level.
type Result struct {
	Ok          bool
	Level       triad.AuthLevel
	DeviceTrust triad.Trust
	Risk        float64
}

// Verifier ties together the identity store, the nonce ledger and the rate
// limiter to implement issue_challenge / verify / verify_with_level.
type Verifier struct {
	Identities *identity.Store
	Nonces     *nonceledger.Ledger
	RateLimit  *ratelimit.Limiter

	// ThisAuthority is the audience value this authority accepts as its
	// own (the challenge.aud must equal it).
	ThisAuthority string

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// ChallengeTTLOverride overrides ChallengeTTL when positive.
	ChallengeTTLOverride time.Duration
}

func (v *Verifier) maxFailedAttempts() int {
	if v.MaxFailedAttempts > 0 {
		return v.MaxFailedAttempts
	}
	return DefaultMaxFailedAttempts
}

func (v *Verifier) lockoutDuration() time.Duration {
	if v.LockoutDuration > 0 {
		return v.LockoutDuration
	}
	return DefaultLockoutDuration
}

func (v *Verifier) challengeTTL() time.Duration {
	if v.ChallengeTTLOverride > 0 {
		return v.ChallengeTTLOverride
	}
	return ChallengeTTL
}

// IssueChallenge implements issue_challenge. No state is written.
func (v *Verifier) IssueChallenge(id triad.IdentityId, aud, method string, now time.Time) (Challenge, error) {
	rec, ok := v.Identities.Get(id)
	if !ok {
		return Challenge{}, triad.NewError("issueChallenge", triad.CodeUnknownIdentity)
	}
	if rec.Disabled {
		return Challenge{}, triad.NewError("issueChallenge", triad.CodeIdentityDisabled)
	}

	nonce, err := cryptoverify.NewNonce()
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Nonce:     nonce,
		Aud:       aud,
		Method:    method,
		ExpiresAt: now.Add(v.challengeTTL()),
	}, nil
}

// Verify implements the `verify` fast path: it collapses every error to
// false for callers that only need a boolean.
func (v *Verifier) Verify(id triad.IdentityId, proof LinkProof, minLevel triad.AuthLevel, now time.Time) bool {
	res, err := v.VerifyWithLevel(id, proof, minLevel, now)
	return err == nil && res.Ok
}

// VerifyWithLevel runs the ten ordered checks of verify_with_level. Any
// failure short-circuits without advancing state, except step 7
// (signature failure still records a failed attempt) and step 8 (nonce
// consumption happens before the auth-level check so replays fail
// deterministically even if the caller asked for an unreachable level).
func (v *Verifier) VerifyWithLevel(id triad.IdentityId, proof LinkProof, minLevel triad.AuthLevel, now time.Time) (Result, error) {
	// 1. Rate limit.
	if !v.RateLimit.Admit(id, now) {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeRateLimited)
	}

	// 2. Identity present and enabled.
	rec, ok := v.Identities.Get(id)
	if !ok {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeUnknownIdentity)
	}
	if rec.Disabled {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeIdentityDisabled)
	}

	// 3. Lockout.
	if !rec.Security.LockoutUntil.IsZero() && rec.Security.LockoutUntil.After(now) {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeRateLimited)
	}

	// 4. Device match.
	device, ok := v.Identities.FindDevice(id, proof.DeviceId, proof.Pubkey, proof.Algo)
	if !ok {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeDeviceUnknown)
	}
	if device.Trust == triad.TrustRevoked {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeDeviceRevoked)
	}

	// 5. Challenge validity.
	if now.After(proof.Challenge.ExpiresAt) {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeExpired)
	}
	if proof.Challenge.Aud != v.ThisAuthority {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeInvalidAudience)
	}

	// 6. Replay (pre-check; the authoritative consume happens at step 8).
	if v.Nonces.Seen(proof.Challenge.Nonce[:]) {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeNonceReused)
	}

	// 7. Signature.
	digest := cryptoverify.Digest(proof.Challenge.Aud, proof.Challenge.Method, id, proof.Challenge.Nonce, proof.Challenge.ExpiresAt.UnixNano())
	if !cryptoverify.Verify(proof.Algo, proof.Pubkey, digest[:], proof.Signature) {
		v.Identities.RecordFailedAttempt(id, now, v.maxFailedAttempts(), v.lockoutDuration())
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeSignatureInvalid)
	}

	// 8. Nonce consume. Must happen before any side effect so replays are
	// deterministic.
	if !v.Nonces.Consume(proof.Challenge.Nonce[:], now) {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeNonceReused)
	}

	// 9. Auth level.
	level := triad.ComputeAuthLevel(rec.Security.MFAEnabled, device.Trust)
	if level < minLevel {
		return Result{}, triad.NewError("verifyWithLevel", triad.CodeInsufficientAuth)
	}

	// 10. Device lastUsedAt, reset failed attempts on success.
	v.Identities.TouchDeviceLastUsed(id, proof.DeviceId, now)
	v.Identities.ResetFailedAttempts(id, now)

	return Result{
		Ok:          true,
		Level:       level,
		DeviceTrust: device.Trust,
		Risk:        rec.Security.RiskScore,
	}, nil
}

package session

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/triad/pkg/triad"
)

// ReceiptClaims are the claims embedded in a session receipt: a portable,
// self-contained assertion of a Session's identity/device/scope binding a
// caller can hand to a downstream service without that service calling
// back into validate_session.
type ReceiptClaims struct {
	SessionId  string        `json:"sid"`
	IdentityId string        `json:"identity_id"`
	DeviceId   string        `json:"device_id"`
	Scopes     []triad.Scope `json:"scopes"`
}

// ReceiptSigner issues and validates self-signed HS256 session receipts.
// It is an optional second-hop assertion layered on top of a Session: the
// session itself remains the source of truth in the Manager. A receipt
// carries the Session's expiry but not its revocation state: a receipt of
// a revoked session still parses until that expiry.
type ReceiptSigner struct {
	signingKey []byte
	issuer     string
}

// NewReceiptSigner creates a ReceiptSigner. The secret must be at least
// 32 bytes.
func NewReceiptSigner(secret, issuer string) (*ReceiptSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("receipt signing secret must be at least 32 bytes, got %d", len(secret))
	}
	if issuer == "" {
		issuer = "triad-authority"
	}
	return &ReceiptSigner{signingKey: []byte(secret), issuer: issuer}, nil
}

// Issue mints a signed receipt for sess, valid until sess.ExpiresAt.
func (rs *ReceiptSigner) Issue(sess *Session, now time.Time) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: rs.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	registered := jwt.Claims{
		Subject:   string(sess.IdentityId),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(sess.ExpiresAt),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    rs.issuer,
	}
	custom := ReceiptClaims{
		SessionId:  sess.SessionId,
		IdentityId: string(sess.IdentityId),
		DeviceId:   sess.DeviceId,
		Scopes:     append([]triad.Scope(nil), sess.Scopes...),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing receipt: %w", err)
	}
	return token, nil
}

// Parse verifies a receipt's signature and expiry and returns its claims.
// It does not consult the Manager: a receipt that outlives a session
// revocation will still parse successfully, which is why callers guarding
// anything revocation-sensitive should call ValidateSession directly.
func (rs *ReceiptSigner) Parse(raw string, now time.Time) (*ReceiptClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}

	var registered jwt.Claims
	var custom ReceiptClaims
	if err := tok.Claims(rs.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying receipt: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: rs.issuer,
		Time:   now,
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating receipt claims: %w", err)
	}

	return &custom, nil
}

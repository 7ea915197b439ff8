package authority

import (
	"time"

	"github.com/wisbric/triad/pkg/eventfabric"
	"github.com/wisbric/triad/pkg/session"
	"github.com/wisbric/triad/pkg/triad"
	"github.com/wisbric/triad/pkg/verifier"
)

// IssueChallenge implements issue_challenge. No state is written and no
// event is emitted: issuing a challenge has no side effect to audit.
func (a *Authority) IssueChallenge(id triad.IdentityId, aud, method string, now time.Time) (verifier.Challenge, error) {
	return a.Verifier.IssueChallenge(id, aud, method, now)
}

// Verify implements the `verify` fast path: every error collapses to
// false, but the underlying verify_with_level call still runs its full
// event/correlation side effects.
func (a *Authority) Verify(id triad.IdentityId, proof verifier.LinkProof, minLevel triad.AuthLevel, now time.Time) bool {
	result, err := a.VerifyWithLevel(id, proof, minLevel, now)
	return err == nil && result.Ok
}

// VerifyWithLevel implements verify_with_level, wrapping the C5 pipeline
// with correlation tracking and VerificationFailed/VerificationSucceeded
// events.
func (a *Authority) VerifyWithLevel(id triad.IdentityId, proof verifier.LinkProof, minLevel triad.AuthLevel, now time.Time) (verifier.Result, error) {
	cid := a.Correlation.NewRoot("triad.authority", "verify_with_level", now)
	a.Correlation.TrackFlowStep(cid.Id, "verify", "verifier", "pipeline", now)

	result, err := a.Verifier.VerifyWithLevel(id, proof, minLevel, now)
	a.observeVerify(err)
	if err != nil {
		a.Correlation.CompleteFlowStep(cid.Id, false, err.Error(), now)
		if triad.IsCode(err, triad.CodeSignatureInvalid) {
			a.emit(eventfabric.EventVerificationFailed, map[string]string{"device_id": proof.DeviceId, "reason": err.Error()}, eventfabric.PriorityHigh, cid, string(id))
			// A signature failure that just tripped the lockout is a
			// security incident, not merely a failed login.
			if rec, ok := a.Identities.Get(id); ok && !rec.Security.LockoutUntil.IsZero() && rec.Security.LockoutUntil.After(now) {
				a.emit(eventfabric.EventSecurityIncident, map[string]string{
					"device_id": proof.DeviceId,
					"kind":      "lockout_engaged",
				}, eventfabric.PriorityCritical, cid, string(id))
			}
		}
		return verifier.Result{}, err
	}

	a.Correlation.CompleteFlowStep(cid.Id, true, "", now)
	a.emit(eventfabric.EventVerificationSucceeded, map[string]string{"device_id": proof.DeviceId}, eventfabric.PriorityLow, cid, string(id))
	return result, nil
}

// StartSession implements start_session. correlationId, if non-empty, is
// used as the root correlation so the caller's own trace links directly
// to the session_issued event; otherwise a fresh root is minted.
func (a *Authority) StartSession(id triad.IdentityId, deviceId string, scopes []triad.Scope, ttl time.Duration, proof verifier.LinkProof, correlationId string, now time.Time) (*session.Session, error) {
	ctx := a.rootFor(correlationId, "start_session", now)

	sess, err := a.Sessions.StartSession(id, deviceId, scopes, ttl, proof, correlationId, now)
	if err != nil {
		a.compensate(ctx.Id, "start_session", err, now)
		return nil, err
	}

	a.emit(eventfabric.EventSessionIssued, sess, eventfabric.PriorityNormal, ctx, string(id))
	return sess, nil
}

// ValidateSession implements validate_session. It is a read path with a
// side effect limited to lastActivityAt (handled inside pkg/session); no
// event is emitted per call to avoid flooding the fabric on every
// fast-path reverification.
func (a *Authority) ValidateSession(sid string, requiredScopes []triad.Scope, now time.Time) session.Validation {
	return a.Sessions.ValidateSession(sid, requiredScopes, now)
}

// RevokeSession implements revoke_session. proof must belong to the
// session's own identity at basic level, authorizing self-service
// revocation (e.g. "log out this session").
func (a *Authority) RevokeSession(sid string, proof verifier.LinkProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "revoke_session", now)

	sess, ok := a.Sessions.Get(sid)
	if !ok {
		err := triad.NewError("revokeSession", triad.CodeSessionNotFound)
		a.compensate(cid.Id, "lookup_session", err, now)
		return err
	}

	result, err := a.Verifier.VerifyWithLevel(sess.IdentityId, proof, triad.AuthBasic, now)
	if err != nil || !result.Ok {
		unauth := triad.NewError("revokeSession", triad.CodeUnauthorized)
		a.compensate(cid.Id, "verify_proof", unauth, now)
		return unauth
	}

	if err := a.Sessions.RevokeSession(sid); err != nil {
		a.compensate(cid.Id, "revoke_session", err, now)
		return err
	}

	a.emit(eventfabric.EventSessionRevoked, map[string]string{"session_id": sid}, eventfabric.PriorityNormal, cid, string(sess.IdentityId))
	return nil
}

// RevokeAllSessions implements revoke_all_sessions, admin-gated since it
// affects every session of an identity, not just the caller's own.
func (a *Authority) RevokeAllSessions(id triad.IdentityId, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "revoke_all_sessions", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}

	a.Sessions.RevokeAllSessions(id)
	a.emit(eventfabric.EventSessionRevoked, map[string]string{"identity_id": string(id), "scope": "all"}, eventfabric.PriorityNormal, cid, string(id))
	return nil
}

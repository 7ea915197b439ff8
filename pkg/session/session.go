// Package session implements the session manager. It issues scoped,
// risk-assessed session tokens from a verified LinkProof, validates them
// against required scopes with dynamic risk recomputation, and revokes
// them individually, in bulk per identity, or in bulk per device.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/nonceledger"
	"github.com/wisbric/triad/pkg/triad"
	"github.com/wisbric/triad/pkg/verifier"
)

// MaxSessionsPerIdentity caps concurrent sessions per identity; exceeding
// it evicts the oldest session FIFO.
const MaxSessionsPerIdentity = 10

// Session manager defaults.
const (
	DefaultTTL        = time.Hour
	MinTTL            = time.Second
	MaxTTL            = 24 * time.Hour
	HighRiskThreshold = 7.0
)

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusActive Status = iota
	StatusExpired
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session is a scoped, time-bounded token bound to one identity and one
// of its devices.
type Session struct {
	SessionId      string
	IdentityId     triad.IdentityId
	DeviceId       string
	Scopes         []triad.Scope
	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	RiskScore      float64
	CorrelationId  string
	Status         Status
}

func (s *Session) clone() *Session {
	out := *s
	out.Scopes = append([]triad.Scope(nil), s.Scopes...)
	return &out
}

// RiskAction is the recommended caller action from a risk assessment.
type RiskAction string

const (
	ActionAllow     RiskAction = "allow"
	ActionChallenge RiskAction = "challenge"
	ActionDeny      RiskAction = "deny"
)

// RiskAssessment is the dynamic-risk portion of a SessionValidation.
type RiskAssessment struct {
	Score   float64
	Factors []string
	Action  RiskAction
}

// Validation is the result shape of validate_session.
type Validation struct {
	Valid            bool
	Session          *Session
	Reason           triad.Code
	SecondsRemaining int64
	Risk             RiskAssessment
}

// RiskWeights parameterizes start-time risk scoring on a 0-10 scale. The
// weights are tunable configuration, not contract; defaults are
// deliberately conservative.
type RiskWeights struct {
	TrustWeight         map[triad.Trust]float64
	ScopeSeverityWeight map[triad.AuthLevel]float64
	LongTTL             time.Duration
	LongTTLBonus        float64
	StaleDeviceAfter    time.Duration
	StaleDeviceBonus    float64
	NeverUsedBonus      float64
}

// DefaultRiskWeights returns the default scoring heuristic.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		TrustWeight: map[triad.Trust]float64{
			triad.TrustTrusted:  0,
			triad.TrustVerified: 2,
			triad.TrustPending:  5,
			triad.TrustRevoked:  10,
		},
		ScopeSeverityWeight: map[triad.AuthLevel]float64{
			triad.AuthBasic:    0,
			triad.AuthElevated: 2,
			triad.AuthHigh:     3,
			triad.AuthMaximum:  4,
		},
		LongTTL:          4 * time.Hour,
		LongTTLBonus:     1,
		StaleDeviceAfter: 7 * 24 * time.Hour,
		StaleDeviceBonus: 1,
		NeverUsedBonus:   2,
	}
}

func (w RiskWeights) score(trust triad.Trust, scopes []triad.Scope, ttl time.Duration, lastUsedAt time.Time, now time.Time) float64 {
	score := w.TrustWeight[trust]
	score += w.ScopeSeverityWeight[triad.StrongestMinAuthLevel(scopes)]
	if ttl > w.LongTTL {
		score += w.LongTTLBonus
	}
	if lastUsedAt.IsZero() {
		score += w.NeverUsedBonus
	} else if now.Sub(lastUsedAt) > w.StaleDeviceAfter {
		score += w.StaleDeviceBonus
	}
	if score > 10 {
		score = 10
	}
	return score
}

// Manager owns the session index and the correlation-replay ledger used
// to guard start_session against duplicate delivery.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	byIdentity map[triad.IdentityId][]string // FIFO order, oldest first

	correlationSeen *nonceledger.Ledger

	Identities *identity.Store
	Verifier   *verifier.Verifier

	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	HighRiskThreshold float64
	RiskWeights       RiskWeights
}

// New creates a Manager backed by identities and verifier.
func New(identities *identity.Store, v *verifier.Verifier) *Manager {
	return &Manager{
		sessions:          make(map[string]*Session),
		byIdentity:        make(map[triad.IdentityId][]string),
		correlationSeen:   nonceledger.New(time.Hour),
		Identities:        identities,
		Verifier:          v,
		DefaultTTL:        DefaultTTL,
		MaxTTL:            MaxTTL,
		HighRiskThreshold: HighRiskThreshold,
		RiskWeights:       DefaultRiskWeights(),
	}
}

func newSessionId() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return "ses_" + hex.EncodeToString(b[:]), nil
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > m.MaxTTL {
		return m.DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// StartSession implements start_session. After scope validation,
// preconditions run in order: rate-limit admission, correlation replay,
// proof verification at the strongest requested scope's minimum level
// (which performs the authoritative rate-limit accounting and the
// device-not-revoked check), then risk assessment. The leading Allows
// read keeps a rate-limited caller rejected as rate_limited even when
// its correlationId is also a replay.
func (m *Manager) StartSession(id triad.IdentityId, deviceId string, scopes []triad.Scope, ttl time.Duration, proof verifier.LinkProof, correlationId string, now time.Time) (*Session, error) {
	for _, s := range scopes {
		if !triad.IsValidScope(s) {
			return nil, triad.NewError("startSession", triad.CodeInvalidScope)
		}
	}

	if !m.Verifier.RateLimit.Allows(id, now) {
		return nil, triad.NewError("startSession", triad.CodeRateLimited)
	}

	m.mu.Lock()
	if m.correlationSeen.Seen([]byte(correlationId)) {
		m.mu.Unlock()
		return nil, triad.NewError("startSession", triad.CodeReplayed)
	}
	m.mu.Unlock()

	minLevel := triad.StrongestMinAuthLevel(scopes)
	result, err := m.Verifier.VerifyWithLevel(id, proof, minLevel, now)
	if err != nil {
		return nil, err
	}
	if !result.Ok {
		return nil, triad.NewError("startSession", triad.CodeUnauthorized)
	}

	device, ok := m.Identities.FindDevice(id, deviceId, proof.Pubkey, proof.Algo)
	if !ok {
		return nil, triad.NewError("startSession", triad.CodeDeviceUnknown)
	}

	clampedTTL := m.clampTTL(ttl)
	risk := m.RiskWeights.score(device.Trust, scopes, clampedTTL, device.LastUsedAt, now)
	if risk >= m.HighRiskThreshold {
		return nil, triad.NewError("startSession", triad.CodeRiskTooHigh)
	}

	sid, err := newSessionId()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.correlationSeen.Consume([]byte(correlationId), now)

	sess := &Session{
		SessionId:      sid,
		IdentityId:     id,
		DeviceId:       deviceId,
		Scopes:         append([]triad.Scope(nil), scopes...),
		IssuedAt:       now,
		ExpiresAt:      now.Add(clampedTTL),
		LastActivityAt: now,
		RiskScore:      risk,
		CorrelationId:  correlationId,
		Status:         StatusActive,
	}
	m.sessions[sid] = sess

	ids := m.byIdentity[id]
	if len(ids) >= MaxSessionsPerIdentity {
		oldest := ids[0]
		if old, ok := m.sessions[oldest]; ok {
			old.Status = StatusRevoked
		}
		ids = ids[1:]
	}
	m.byIdentity[id] = append(ids, sid)

	return sess.clone(), nil
}

// ValidateSession implements validate_session.
func (m *Manager) ValidateSession(sid string, requiredScopes []triad.Scope, now time.Time) Validation {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return Validation{Valid: false, Reason: triad.CodeSessionNotFound}
	}
	if sess.Status != StatusRevoked && now.After(sess.ExpiresAt) {
		sess.Status = StatusExpired
	}
	if sess.Status == StatusExpired {
		delete(m.sessions, sid)
		return Validation{Valid: false, Reason: triad.CodeExpired}
	}
	if sess.Status != StatusActive {
		return Validation{Valid: false, Reason: triad.CodeSessionInvalid}
	}
	if !triad.SubsumesAll(sess.Scopes, requiredScopes) {
		return Validation{Valid: false, Reason: triad.CodePermissionDenied, Session: sess.clone()}
	}
	rec, ok := m.Identities.Get(sess.IdentityId)
	if !ok || rec.Disabled {
		return Validation{Valid: false, Reason: triad.CodeIdentityDisabled}
	}

	remaining := sess.ExpiresAt.Sub(now)
	inactive := now.Sub(sess.LastActivityAt)

	score := sess.RiskScore
	var factors []string
	if remaining < 5*time.Minute {
		score++
		factors = append(factors, "expires_soon")
	}
	if inactive > 30*time.Minute {
		score += 2
		factors = append(factors, "inactive_long")
	}

	action := ActionAllow
	if score >= 5 {
		action = ActionChallenge
	}

	sess.LastActivityAt = now

	return Validation{
		Valid:            true,
		Session:          sess.clone(),
		SecondsRemaining: int64(remaining.Seconds()),
		Risk: RiskAssessment{
			Score:   score,
			Factors: factors,
			Action:  action,
		},
	}
}

// RevokeSession implements revoke_session.
func (m *Manager) RevokeSession(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sid]
	if !ok {
		return triad.NewError("revokeSession", triad.CodeSessionNotFound)
	}
	sess.Status = StatusRevoked
	return nil
}

// RevokeAllSessions implements revoke_all_sessions, and is also the
// mechanism behind disable_identity's implicit bulk revoke.
func (m *Manager) RevokeAllSessions(id triad.IdentityId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sid := range m.byIdentity[id] {
		if sess, ok := m.sessions[sid]; ok {
			sess.Status = StatusRevoked
		}
	}
}

// RevokeSessionsForDevice revokes every session bound to deviceId,
// implementing the implicit bulk revoke behind revoke_device and
// rotate_device_key.
func (m *Manager) RevokeSessionsForDevice(id triad.IdentityId, deviceId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sid := range m.byIdentity[id] {
		if sess, ok := m.sessions[sid]; ok && sess.DeviceId == deviceId {
			sess.Status = StatusRevoked
		}
	}
}

// Count reports the number of tracked sessions: active, revoked, and
// expired ones that ValidateSession has not yet removed. Exposed for
// get_system_stats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a defensive copy of a session by id, for inspection without
// mutating lastActivityAt.
func (m *Manager) Get(sid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Package authority is the façade that composes the identity store, the
// challenge/proof verifier, the session manager, the priority event
// fabric, and the correlation tracker into the single Authority API
// other services call. One struct holds every subsystem and passes it
// explicitly — no globals — and the surface is direct Go method calls;
// this core has no HTTP front-end of its own.
package authority

import (
	"errors"
	"log/slog"
	"time"

	"github.com/wisbric/triad/pkg/correlation"
	"github.com/wisbric/triad/pkg/eventfabric"
	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/nonceledger"
	"github.com/wisbric/triad/pkg/ratelimit"
	"github.com/wisbric/triad/pkg/session"
	"github.com/wisbric/triad/pkg/triad"
	"github.com/wisbric/triad/pkg/verifier"
)

// DefaultAdminRole is the role required for admin-gated operations when
// Config.AdminRole is unset.
const DefaultAdminRole = "admin.security"

// Config parameterizes Authority construction. Zero values fall back to
// each subcomponent's own defaults.
type Config struct {
	ThisAuthority string // the audience value challenges must target
	AdminRole     string

	ChallengeTTL time.Duration

	SessionDefaultTTL time.Duration
	SessionMaxTTL     time.Duration
	HighRiskThreshold float64

	MaxDevicesPerIdentity int

	RateLimitMax int
	RateWindow   time.Duration

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	MaxQueueSize     int
	MaxRetries       int
	DefaultBatchSize int

	ReplayWindow time.Duration
}

// AdminProof authorizes an admin-gated operation: Proof must verify for
// AdminId at the admin role's minimum auth level, and AdminId must hold
// the configured admin role.
type AdminProof struct {
	AdminId triad.IdentityId
	Proof   verifier.LinkProof
}

// Stats is the result shape of get_system_stats.
type Stats struct {
	Identities      int
	ActiveSessions  int
	EventMetrics    eventfabric.Metrics
	RateLimitTracks int
	NonceLedgerSize int
}

// Authority composes the store, verifier, session manager, event fabric,
// and correlation tracker into the Authority API.
type Authority struct {
	Identities  *identity.Store
	Verifier    *verifier.Verifier
	Sessions    *session.Manager
	Fabric      *eventfabric.Fabric
	Correlation *correlation.Tracker

	// VerifyObserver, when set, receives the outcome code of every
	// verify_with_level call ("ok" on success). The service wiring uses it
	// to feed Prometheus counters without the core importing a registry.
	VerifyObserver func(triad.Code)

	adminRole string
	logger    *slog.Logger
}

// observeVerify reports a verify outcome to the observer, if any.
func (a *Authority) observeVerify(err error) {
	if a.VerifyObserver == nil {
		return
	}
	if err == nil {
		a.VerifyObserver("ok")
		return
	}
	var e *triad.Error
	if errors.As(err, &e) {
		a.VerifyObserver(e.Code)
		return
	}
	a.VerifyObserver("internal")
}

// New wires a fresh Authority from cfg. A zero Config produces a usable
// Authority with every subcomponent's package defaults.
func New(cfg Config, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}

	ids := identity.New()
	ids.MaxDevices = cfg.MaxDevicesPerIdentity

	nonces := nonceledger.New(cfg.ReplayWindow)
	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateWindow)

	v := &verifier.Verifier{
		Identities:           ids,
		Nonces:               nonces,
		RateLimit:            limiter,
		ThisAuthority:        cfg.ThisAuthority,
		MaxFailedAttempts:    cfg.MaxFailedAttempts,
		LockoutDuration:      cfg.LockoutDuration,
		ChallengeTTLOverride: cfg.ChallengeTTL,
	}

	sessions := session.New(ids, v)
	if cfg.SessionDefaultTTL > 0 {
		sessions.DefaultTTL = cfg.SessionDefaultTTL
	}
	if cfg.SessionMaxTTL > 0 {
		sessions.MaxTTL = cfg.SessionMaxTTL
	}
	if cfg.HighRiskThreshold > 0 {
		sessions.HighRiskThreshold = cfg.HighRiskThreshold
	}

	adminRole := cfg.AdminRole
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}

	return &Authority{
		Identities:  ids,
		Verifier:    v,
		Sessions:    sessions,
		Fabric:      eventfabric.New(cfg.MaxQueueSize, cfg.MaxRetries, logger),
		Correlation: correlation.New(),
		adminRole:   adminRole,
		logger:      logger,
	}
}

// emit publishes an event tagged with the given correlation, logging (not
// failing the caller's operation) on queue overflow — a full event queue
// is a backpressure signal for the event-fabric's own consumers, not a
// reason to fail the state change that already committed.
func (a *Authority) emit(typ eventfabric.EventType, payload any, priority eventfabric.Priority, ctx *correlation.Context, principal string) {
	env := eventfabric.Envelope{
		Type:              typ,
		Payload:           payload,
		Priority:          priority,
		OriginatingSystem: "triad.authority",
	}
	if ctx != nil {
		env.Correlation = *ctx
	}
	if principal != "" {
		env.Metadata = map[string]string{"principal": principal}
	}
	if _, err := a.Fabric.Emit(env); err != nil {
		a.logger.Warn("event fabric overflow", "type", typ, "error", err)
	}
}

// compensate records an advisory failure trace on the correlation: no
// automatic rollback is attempted, only a log entry a reviewer or
// downstream audit consumer can use to reconstruct what happened.
func (a *Authority) compensate(cid, step string, err error, now time.Time) {
	a.Correlation.RecordFailure(cid, step, err, now)
}

// authorizeAdmin verifies an AdminProof at the admin role's minimum auth
// level and checks the admin identity actually holds the role. Every
// admin-gated operation in identity_ops.go calls this first.
func (a *Authority) authorizeAdmin(proof AdminProof, now time.Time) error {
	if !a.Identities.HasRole(proof.AdminId, a.adminRole) {
		return triad.NewError("authorizeAdmin", triad.CodeUnauthorized)
	}
	minLevel := triad.RoleMinAuthLevel(a.adminRole)
	result, err := a.Verifier.VerifyWithLevel(proof.AdminId, proof.Proof, minLevel, now)
	if err != nil {
		return triad.NewError("authorizeAdmin", triad.CodeUnauthorized)
	}
	if !result.Ok {
		return triad.NewError("authorizeAdmin", triad.CodeUnauthorized)
	}
	return nil
}

// rootFor mints a correlation root. If correlationId is non-empty, it is
// used verbatim as the context's own id and root, so the caller's trace
// links directly to the emitted events; otherwise a fresh uuid is minted.
func (a *Authority) rootFor(correlationId, operation string, now time.Time) *correlation.Context {
	if correlationId == "" {
		return a.Correlation.NewRoot("triad.authority", operation, now)
	}
	return a.Correlation.NewRootWithId(correlationId, "triad.authority", operation, now)
}

// RunCycle drains the event fabric once. Callers (typically
// triadauthd's scheduler loop) invoke this on a fixed tick; it is not
// invoked automatically because this core performs no I/O or scheduling
// of its own.
func (a *Authority) RunCycle(now time.Time, batchHigh int) {
	a.Fabric.RunCycle(now, batchHigh)
}

// Sweep ages out expired nonce-ledger and rate-limit entries. Intended to
// run from the same periodic tick as RunCycle.
func (a *Authority) Sweep(now time.Time) {
	a.Verifier.Nonces.Sweep(now)
	a.Verifier.RateLimit.Sweep(now)
}

// HealthCheck implements health_check: a cheap liveness signal that every
// subcomponent is constructed and reachable.
func (a *Authority) HealthCheck() bool {
	return a.Identities != nil && a.Verifier != nil && a.Sessions != nil && a.Fabric != nil && a.Correlation != nil
}

// GetSystemStats implements get_system_stats.
func (a *Authority) GetSystemStats() Stats {
	return Stats{
		Identities:      a.Identities.Count(),
		ActiveSessions:  a.Sessions.Count(),
		EventMetrics:    a.Fabric.Metrics(),
		RateLimitTracks: a.Verifier.RateLimit.Len(),
		NonceLedgerSize: a.Verifier.Nonces.Len(),
	}
}

// Package triadreplica is the authority's external replication
// collaborator: the core identity map is authoritative in memory, and
// this sink mirrors each identity's full record into Postgres after
// every mutation so that restarts and external consumers can rebuild
// from stable state. It is deliberately not part of the core state
// machine — a write failure here is logged and surfaced, never rolled
// back into the store.
package triadreplica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/triad/pkg/identity"
)

// DB is the narrow slice of pgxpool.Pool the sink needs. Kept as an
// interface so tests can run against a fake without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Sink upserts identity snapshots into the identity_snapshots table.
type Sink struct {
	db     DB
	logger *slog.Logger
}

// New creates a Sink backed by db.
func New(db DB, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{db: db, logger: logger}
}

// Ping reports whether the backing database is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const upsertSnapshot = `
INSERT INTO identity_snapshots (identity_id, disabled, snapshot, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity_id) DO UPDATE SET
	disabled = EXCLUDED.disabled,
	snapshot = EXCLUDED.snapshot,
	updated_at = EXCLUDED.updated_at`

// SaveSnapshot writes the full current record for rec's identity,
// replacing any previous snapshot for the same identity.
func (s *Sink) SaveSnapshot(ctx context.Context, rec *identity.Identity) error {
	payload, err := json.Marshal(newSnapshot(rec))
	if err != nil {
		return fmt.Errorf("marshaling identity snapshot: %w", err)
	}

	_, err = s.db.Exec(ctx, upsertSnapshot, string(rec.Id), rec.Disabled, payload, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting identity snapshot for %s: %w", rec.Id, err)
	}

	s.logger.Debug("identity snapshot replicated", "identity_id", string(rec.Id))
	return nil
}

// snapshot is the JSONB wire shape for one identity. Maps are flattened
// into sorted slices so that two snapshots of the same record are
// byte-identical.
type snapshot struct {
	Id          string            `json:"id"`
	Devices     []deviceSnapshot  `json:"devices"`
	Roles       []string          `json:"roles"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Security    securitySnapshot  `json:"security"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Disabled    bool              `json:"disabled"`
	WalletId    string            `json:"wallet_id,omitempty"`
	Permissions []permSnapshot    `json:"permissions,omitempty"`
}

type deviceSnapshot struct {
	DeviceId   string    `json:"device_id"`
	Algo       string    `json:"algo"`
	Pubkey     []byte    `json:"pubkey"`
	Platform   string    `json:"platform,omitempty"`
	Trust      string    `json:"trust"`
	AddedAt    time.Time `json:"added_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

type securitySnapshot struct {
	AuthLevel      string    `json:"auth_level"`
	MFAEnabled     bool      `json:"mfa_enabled"`
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until,omitzero"`
	RiskScore      float64   `json:"risk_score"`
}

type permSnapshot struct {
	Resource   string   `json:"resource"`
	Actions    []string `json:"actions"`
	Constraint string   `json:"constraint,omitempty"`
}

func newSnapshot(rec *identity.Identity) snapshot {
	out := snapshot{
		Id:        string(rec.Id),
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Disabled:  rec.Disabled,
		WalletId:  rec.Metadata["wallet_id"],
		Security: securitySnapshot{
			AuthLevel:      rec.Security.AuthLevel.String(),
			MFAEnabled:     rec.Security.MFAEnabled,
			FailedAttempts: rec.Security.FailedAttempts,
			LockoutUntil:   rec.Security.LockoutUntil,
			RiskScore:      rec.Security.RiskScore,
		},
	}

	for _, d := range rec.Devices {
		out.Devices = append(out.Devices, deviceSnapshot{
			DeviceId:   d.DeviceId,
			Algo:       d.Algo.String(),
			Pubkey:     d.Pubkey,
			Platform:   d.Platform,
			Trust:      d.Trust.String(),
			AddedAt:    d.AddedAt,
			LastUsedAt: d.LastUsedAt,
		})
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].DeviceId < out.Devices[j].DeviceId })

	for r := range rec.Roles {
		out.Roles = append(out.Roles, r)
	}
	sort.Strings(out.Roles)

	for _, p := range rec.Permissions {
		out.Permissions = append(out.Permissions, permSnapshot{
			Resource:   p.Resource,
			Actions:    p.Actions,
			Constraint: p.Constraint,
		})
	}

	return out
}

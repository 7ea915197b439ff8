// Package identity implements the identity store. It owns identity
// records, their device sets, role grants, and security profiles, plus
// two rebuildable indexes (role -> identities, deviceId -> identity).
// Reads hand out defensive copies; records are append-mostly and never
// deleted.
package identity

import (
	"sync"
	"time"

	"github.com/wisbric/triad/pkg/triad"
)

// MaxDevicesPerIdentity is the default cap on devices per identity.
const MaxDevicesPerIdentity = 10

// Permission is a resource/action grant with an optional constraint string.
type Permission struct {
	Resource   string
	Actions    []string
	Constraint string
}

// DeviceKey is owned by exactly one identity.
type DeviceKey struct {
	DeviceId    string
	Algo        triad.Algo
	Pubkey      []byte
	Platform    string
	Attestation []byte
	Trust       triad.Trust
	AddedAt     time.Time
	LastUsedAt  time.Time
}

func cloneDevice(d DeviceKey) DeviceKey {
	out := d
	out.Pubkey = append([]byte(nil), d.Pubkey...)
	out.Attestation = append([]byte(nil), d.Attestation...)
	return out
}

// SecurityProfile is mutated only by the verifier and explicit admin
// operations.
type SecurityProfile struct {
	AuthLevel      triad.AuthLevel
	MFAEnabled     bool
	FailedAttempts int
	LockoutUntil   time.Time // zero value means "not locked out"
	RiskScore      float64
}

// Identity is a stable, append-mostly record. Identities are never
// deleted; Disabled=true replaces erasure.
type Identity struct {
	Id          triad.IdentityId
	Devices     map[string]DeviceKey // deviceId -> device
	Roles       map[string]struct{}
	Permissions []Permission
	Metadata    map[string]string
	Security    SecurityProfile
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Disabled    bool
}

func (id *Identity) clone() *Identity {
	out := &Identity{
		Id:          id.Id,
		Devices:     make(map[string]DeviceKey, len(id.Devices)),
		Roles:       make(map[string]struct{}, len(id.Roles)),
		Permissions: append([]Permission(nil), id.Permissions...),
		Metadata:    make(map[string]string, len(id.Metadata)),
		Security:    id.Security,
		CreatedAt:   id.CreatedAt,
		UpdatedAt:   id.UpdatedAt,
		Disabled:    id.Disabled,
	}
	for k, v := range id.Devices {
		out.Devices[k] = cloneDevice(v)
	}
	for k := range id.Roles {
		out.Roles[k] = struct{}{}
	}
	for k, v := range id.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// HasRole reports whether the identity currently holds role.
func (id *Identity) HasRole(role string) bool {
	_, ok := id.Roles[role]
	return ok
}

// Store owns the full IdentityId -> Identity map plus the two rebuildable
// indexes. Every mutating method is called from the
// single logical execution context described by the concurrency model;
// the mutex exists to make that explicit and safe under test, not to
// support concurrent writers.
type Store struct {
	mu         sync.Mutex
	identities map[triad.IdentityId]*Identity
	byRole     map[string]map[triad.IdentityId]struct{}
	byDevice   map[string]triad.IdentityId

	// MaxDevices overrides MaxDevicesPerIdentity when positive.
	MaxDevices int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		identities: make(map[triad.IdentityId]*Identity),
		byRole:     make(map[string]map[triad.IdentityId]struct{}),
		byDevice:   make(map[string]triad.IdentityId),
	}
}

func (s *Store) maxDevices() int {
	if s.MaxDevices > 0 {
		return s.MaxDevices
	}
	return MaxDevicesPerIdentity
}

// CreateIdentity implements createIdentity. The initial SecurityProfile
// has authLevel=basic, mfaEnabled=false, failedAttempts=0, riskScore=0.
func (s *Store) CreateIdentity(id triad.IdentityId, initialDevice DeviceKey, metadata map[string]string, now time.Time) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[id]; exists {
		return nil, triad.NewError("createIdentity", triad.CodeAlreadyExists)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	initialDevice.AddedAt = now
	initialDevice.Trust = triad.TrustVerified

	rec := &Identity{
		Id:       id,
		Devices:  map[string]DeviceKey{initialDevice.DeviceId: cloneDevice(initialDevice)},
		Roles:    make(map[string]struct{}),
		Metadata: meta,
		Security: SecurityProfile{
			AuthLevel:  triad.AuthBasic,
			MFAEnabled: false,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.identities[id] = rec
	s.byDevice[initialDevice.DeviceId] = id
	return rec.clone(), nil
}

// Get returns a defensive copy of the identity, or nil if unknown.
func (s *Store) Get(id triad.IdentityId) (*Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// HasRole reports whether id holds role. Unknown identities report false.
func (s *Store) HasRole(id triad.IdentityId, role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return false
	}
	return rec.HasRole(role)
}

// IdentityByDevice resolves the owning identity for a deviceId via the
// rebuildable index.
func (s *Store) IdentityByDevice(deviceId string) (triad.IdentityId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDevice[deviceId]
	return id, ok
}

// AddDeviceKey implements addDeviceKey. adminProof authorization is
// enforced by the caller (the façade); this method only enforces the
// store-level invariants.
func (s *Store) AddDeviceKey(id triad.IdentityId, device DeviceKey, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("addDeviceKey", triad.CodeUnknownIdentity)
	}
	if len(rec.Devices) >= s.maxDevices() {
		return triad.NewError("addDeviceKey", triad.CodeDeviceLimitExceeded)
	}
	for _, d := range rec.Devices {
		if d.DeviceId == device.DeviceId && string(d.Pubkey) == string(device.Pubkey) && d.Algo == device.Algo {
			return triad.NewError("addDeviceKey", triad.CodeDuplicate)
		}
	}
	device.AddedAt = now
	if device.Trust == triad.TrustPending || device.Trust == 0 {
		device.Trust = triad.TrustVerified
	}
	rec.Devices[device.DeviceId] = cloneDevice(device)
	rec.UpdatedAt = now
	s.byDevice[device.DeviceId] = id
	return nil
}

// RevokeDevice implements revokeDevice. proofDeviceId is the device the
// caller authenticated with; a device may never revoke itself, so
// proofDeviceId != deviceId is required.
func (s *Store) RevokeDevice(id triad.IdentityId, deviceId, proofDeviceId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if proofDeviceId == deviceId {
		return triad.NewError("revokeDevice", triad.CodeCannotRevokeOwnDev)
	}
	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("revokeDevice", triad.CodeUnknownIdentity)
	}
	d, ok := rec.Devices[deviceId]
	if !ok {
		return triad.NewError("revokeDevice", triad.CodeUnknownDevice)
	}
	d.Trust = triad.TrustRevoked
	rec.Devices[deviceId] = d
	rec.UpdatedAt = now
	return nil
}

// RotateDeviceKey implements rotateDeviceKey: replaces pubkey/algo on the
// same deviceId, keeping trust and history. Callers are responsible for
// revoking sessions bound to the device (the façade does this via C6).
func (s *Store) RotateDeviceKey(id triad.IdentityId, deviceId string, newPubkey []byte, algo triad.Algo, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("rotateDeviceKey", triad.CodeUnknownIdentity)
	}
	d, ok := rec.Devices[deviceId]
	if !ok {
		return triad.NewError("rotateDeviceKey", triad.CodeUnknownDevice)
	}
	if d.Trust == triad.TrustRevoked {
		return triad.NewError("rotateDeviceKey", triad.CodeDeviceRevoked)
	}
	d.Pubkey = append([]byte(nil), newPubkey...)
	d.Algo = algo
	rec.Devices[deviceId] = d
	rec.UpdatedAt = now
	return nil
}

// GrantRole implements grantRole.
func (s *Store) GrantRole(id triad.IdentityId, role string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("grantRole", triad.CodeUnknownIdentity)
	}
	rec.Roles[role] = struct{}{}
	rec.UpdatedAt = now
	if s.byRole[role] == nil {
		s.byRole[role] = make(map[triad.IdentityId]struct{})
	}
	s.byRole[role][id] = struct{}{}
	return nil
}

// RevokeRole implements revokeRole.
func (s *Store) RevokeRole(id triad.IdentityId, role string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("revokeRole", triad.CodeUnknownIdentity)
	}
	delete(rec.Roles, role)
	rec.UpdatedAt = now
	if set, ok := s.byRole[role]; ok {
		delete(set, id)
	}
	return nil
}

// Count reports the total number of identities, disabled or not. Exposed
// for get_system_stats.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// IdentitiesWithRole returns the (unordered) identities holding role, via
// the rebuildable index.
func (s *Store) IdentitiesWithRole(role string) []triad.IdentityId {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byRole[role]
	if !ok {
		return nil
	}
	out := make([]triad.IdentityId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// DisableIdentity implements disableIdentity.
func (s *Store) DisableIdentity(id triad.IdentityId, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("disableIdentity", triad.CodeUnknownIdentity)
	}
	rec.Disabled = true
	rec.UpdatedAt = now
	return nil
}

// LinkWalletIdentity implements linkWalletIdentity: stores a metadata
// entry. The elevated-auth-level precondition is enforced by the caller
// (the verifier has already been consulted before this is called).
func (s *Store) LinkWalletIdentity(id triad.IdentityId, walletId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("linkWalletIdentity", triad.CodeUnknownIdentity)
	}
	rec.Metadata["wallet_id"] = walletId
	rec.UpdatedAt = now
	return nil
}

// RecordFailedAttempt increments failedAttempts and bumps riskScore by
// +0.1 (capped at 1.0); at failedAttempts>=maxBeforeLockout it sets
// LockoutUntil = now + lockoutDuration. Returns the updated profile.
func (s *Store) RecordFailedAttempt(id triad.IdentityId, now time.Time, maxBeforeLockout int, lockoutDuration time.Duration) (SecurityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return SecurityProfile{}, triad.NewError("recordFailedAttempt", triad.CodeUnknownIdentity)
	}
	rec.Security.FailedAttempts++
	rec.Security.RiskScore += 0.1
	if rec.Security.RiskScore > 1.0 {
		rec.Security.RiskScore = 1.0
	}
	if rec.Security.FailedAttempts >= maxBeforeLockout {
		rec.Security.LockoutUntil = now.Add(lockoutDuration)
	}
	rec.UpdatedAt = now
	return rec.Security, nil
}

// ResetFailedAttempts clears failedAttempts and lockout on a successful
// verify by the same identity; nothing else resets the counter.
func (s *Store) ResetFailedAttempts(id triad.IdentityId, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("resetFailedAttempts", triad.CodeUnknownIdentity)
	}
	rec.Security.FailedAttempts = 0
	rec.Security.LockoutUntil = time.Time{}
	rec.UpdatedAt = now
	return nil
}

// SetMFAEnabled flips the identity's MFA enrollment flag, the input to
// ComputeAuthLevel alongside device trust.
func (s *Store) SetMFAEnabled(id triad.IdentityId, enabled bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("setMFAEnabled", triad.CodeUnknownIdentity)
	}
	rec.Security.MFAEnabled = enabled
	rec.UpdatedAt = now
	return nil
}

// TouchDeviceLastUsed sets deviceId's LastUsedAt = now.
func (s *Store) TouchDeviceLastUsed(id triad.IdentityId, deviceId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return triad.NewError("touchDeviceLastUsed", triad.CodeUnknownIdentity)
	}
	d, ok := rec.Devices[deviceId]
	if !ok {
		return triad.NewError("touchDeviceLastUsed", triad.CodeUnknownDevice)
	}
	d.LastUsedAt = now
	rec.Devices[deviceId] = d
	rec.UpdatedAt = now
	return nil
}

// FindDevice looks up the device matching (deviceId, pubkey, algo) on id,
// the match rule used by the verifier's "device match" step.
func (s *Store) FindDevice(id triad.IdentityId, deviceId string, pubkey []byte, algo triad.Algo) (DeviceKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return DeviceKey{}, false
	}
	d, ok := rec.Devices[deviceId]
	if !ok || d.Algo != algo || string(d.Pubkey) != string(pubkey) {
		return DeviceKey{}, false
	}
	return cloneDevice(d), true
}

package authority

import (
	"time"

	"github.com/wisbric/triad/pkg/eventfabric"
	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/triad"
	"github.com/wisbric/triad/pkg/verifier"
)

// CreateIdentity implements create_identity. adminProof is checked first
// (the operation requires an admin caller).
func (a *Authority) CreateIdentity(id triad.IdentityId, initialDevice identity.DeviceKey, metadata map[string]string, adminProof AdminProof, now time.Time) (*identity.Identity, error) {
	cid := a.Correlation.NewRoot("triad.authority", "create_identity", now)
	a.Correlation.TrackFlowStep(cid.Id, "authorize_admin", "authority", "precondition", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return nil, err
	}
	a.Correlation.CompleteFlowStep(cid.Id, true, "", now)

	a.Correlation.TrackFlowStep(cid.Id, "create_identity", "identity", "mutate", now)
	rec, err := a.Identities.CreateIdentity(id, initialDevice, metadata, now)
	if err != nil {
		a.compensate(cid.Id, "create_identity", err, now)
		return nil, err
	}
	a.Correlation.CompleteFlowStep(cid.Id, true, "", now)

	a.emit(eventfabric.EventIdentityCreated, rec, eventfabric.PriorityNormal, cid, string(id))
	return rec, nil
}

// AddDeviceKey implements add_device_key.
func (a *Authority) AddDeviceKey(id triad.IdentityId, device identity.DeviceKey, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "add_device_key", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}
	if err := a.Identities.AddDeviceKey(id, device, now); err != nil {
		a.compensate(cid.Id, "add_device_key", err, now)
		return err
	}

	a.emit(eventfabric.EventDeviceAdded, device, eventfabric.PriorityNormal, cid, string(id))
	return nil
}

// RotateDeviceKey implements rotate_device_key. Sessions bound to the
// rotated device are revoked: the device's cryptographic identity just
// changed, so any session issued under the old key can no longer be
// re-verified against it.
func (a *Authority) RotateDeviceKey(id triad.IdentityId, deviceId string, newPubkey []byte, algo triad.Algo, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "rotate_device_key", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}
	if err := a.Identities.RotateDeviceKey(id, deviceId, newPubkey, algo, now); err != nil {
		a.compensate(cid.Id, "rotate_device_key", err, now)
		return err
	}
	a.Sessions.RevokeSessionsForDevice(id, deviceId)

	a.emit(eventfabric.EventDeviceKeyRotated, map[string]string{"device_id": deviceId}, eventfabric.PriorityHigh, cid, string(id))
	return nil
}

// RevokeDevice implements revoke_device. proof is the LinkProof of a
// *different* device on the same identity (a device may never revoke
// itself); it is verified at basic level before the store enforces
// proofDeviceId != deviceId.
func (a *Authority) RevokeDevice(id triad.IdentityId, deviceId string, proof verifier.LinkProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "revoke_device", now)

	result, err := a.Verifier.VerifyWithLevel(id, proof, triad.AuthBasic, now)
	if err != nil {
		a.compensate(cid.Id, "verify_proof", err, now)
		return err
	}
	if !result.Ok {
		err := triad.NewError("revokeDevice", triad.CodeUnauthorized)
		a.compensate(cid.Id, "verify_proof", err, now)
		return err
	}

	if err := a.Identities.RevokeDevice(id, deviceId, proof.DeviceId, now); err != nil {
		a.compensate(cid.Id, "revoke_device", err, now)
		return err
	}
	a.Sessions.RevokeSessionsForDevice(id, deviceId)

	a.emit(eventfabric.EventDeviceRevoked, map[string]string{"device_id": deviceId}, eventfabric.PriorityHigh, cid, string(id))
	return nil
}

// GrantRole implements grant_role.
func (a *Authority) GrantRole(id triad.IdentityId, role string, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "grant_role", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}
	if err := a.Identities.GrantRole(id, role, now); err != nil {
		a.compensate(cid.Id, "grant_role", err, now)
		return err
	}

	a.emit(eventfabric.EventRoleGranted, map[string]string{"role": role}, eventfabric.PriorityNormal, cid, string(id))
	return nil
}

// RevokeRole implements revoke_role.
func (a *Authority) RevokeRole(id triad.IdentityId, role string, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "revoke_role", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}
	if err := a.Identities.RevokeRole(id, role, now); err != nil {
		a.compensate(cid.Id, "revoke_role", err, now)
		return err
	}

	a.emit(eventfabric.EventRoleRevoked, map[string]string{"role": role}, eventfabric.PriorityNormal, cid, string(id))
	return nil
}

// DisableIdentity implements disable_identity: sets disabled=true and
// revokes every session belonging to id.
func (a *Authority) DisableIdentity(id triad.IdentityId, adminProof AdminProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "disable_identity", now)

	if err := a.authorizeAdmin(adminProof, now); err != nil {
		a.compensate(cid.Id, "authorize_admin", err, now)
		return err
	}
	if err := a.Identities.DisableIdentity(id, now); err != nil {
		a.compensate(cid.Id, "disable_identity", err, now)
		return err
	}
	a.Sessions.RevokeAllSessions(id)
	a.Verifier.RateLimit.Evict(id)

	a.emit(eventfabric.EventIdentityDisabled, nil, eventfabric.PriorityHigh, cid, string(id))
	return nil
}

// LinkWalletIdentity implements link_wallet_identity. proof must verify
// at elevated level, not the admin role — any device of the identity
// being linked can authorize this for itself.
func (a *Authority) LinkWalletIdentity(id triad.IdentityId, walletId string, proof verifier.LinkProof, now time.Time) error {
	cid := a.Correlation.NewRoot("triad.authority", "link_wallet_identity", now)

	result, err := a.Verifier.VerifyWithLevel(id, proof, triad.AuthElevated, now)
	if err != nil {
		a.compensate(cid.Id, "verify_proof", err, now)
		return err
	}
	if !result.Ok {
		err := triad.NewError("linkWalletIdentity", triad.CodeInsufficientAuth)
		a.compensate(cid.Id, "verify_proof", err, now)
		return err
	}

	if err := a.Identities.LinkWalletIdentity(id, walletId, now); err != nil {
		a.compensate(cid.Id, "link_wallet_identity", err, now)
		return err
	}

	a.emit(eventfabric.EventWalletLinked, map[string]string{"wallet_id": walletId}, eventfabric.PriorityNormal, cid, string(id))
	return nil
}

// GetIdentity implements get_identity: a pure query, no correlation or
// event emitted.
func (a *Authority) GetIdentity(id triad.IdentityId) (*identity.Identity, bool) {
	return a.Identities.Get(id)
}

// HasRole implements has_role.
func (a *Authority) HasRole(id triad.IdentityId, role string) bool {
	return a.Identities.HasRole(id, role)
}

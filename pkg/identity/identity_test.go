package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/wisbric/triad/pkg/triad"
)

func newDevice(id string) DeviceKey {
	return DeviceKey{
		DeviceId: id,
		Algo:     triad.AlgoEd25519,
		Pubkey:   []byte("pubkey-" + id),
	}
}

func TestCreateIdentity_InitialProfile(t *testing.T) {
	s := New()
	now := time.Now()

	rec, err := s.CreateIdentity(triad.IdentityId("id-1"), newDevice("d1"), nil, now)
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if rec.Security.AuthLevel != triad.AuthBasic {
		t.Errorf("AuthLevel = %v, want basic", rec.Security.AuthLevel)
	}
	if rec.Security.MFAEnabled {
		t.Error("expected mfaEnabled=false")
	}
	if rec.Security.FailedAttempts != 0 || rec.Security.RiskScore != 0 {
		t.Error("expected zeroed failedAttempts/riskScore")
	}
}

func TestCreateIdentity_DuplicateRejected(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")

	if _, err := s.CreateIdentity(id, newDevice("d1"), nil, now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.CreateIdentity(id, newDevice("d2"), nil, now)
	if !errors.Is(err, triad.ErrAlreadyExists) {
		t.Errorf("got %v, want ErrAlreadyExists", err)
	}
}

func TestAddDeviceKey_DeviceLimitExceeded(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	for i := 1; i < MaxDevicesPerIdentity; i++ {
		if err := s.AddDeviceKey(id, newDevice(string(rune('a'+i))), now); err != nil {
			t.Fatalf("device %d: %v", i, err)
		}
	}
	err := s.AddDeviceKey(id, newDevice("overflow"), now)
	if !errors.Is(err, triad.ErrDeviceLimitExceeded) {
		t.Errorf("got %v, want ErrDeviceLimitExceeded", err)
	}
}

func TestAddDeviceKey_DuplicateRejected(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	err := s.AddDeviceKey(id, newDevice("d0"), now)
	if !errors.Is(err, triad.ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestRevokeDevice_CannotRevokeOwnDevice(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	err := s.RevokeDevice(id, "d0", "d0", now)
	if !errors.Is(err, triad.ErrCannotRevokeOwnDev) {
		t.Errorf("got %v, want ErrCannotRevokeOwnDev", err)
	}
}

func TestRevokeDevice_SetsRevokedTrust(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)
	s.AddDeviceKey(id, newDevice("d1"), now)

	if err := s.RevokeDevice(id, "d1", "d0", now); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	rec, _ := s.Get(id)
	if rec.Devices["d1"].Trust != triad.TrustRevoked {
		t.Errorf("trust = %v, want revoked", rec.Devices["d1"].Trust)
	}

	// FindDevice still resolves a revoked device; rejecting it on its trust
	// is left to the caller (the verifier's device-match step)
	if _, ok := s.FindDevice(id, "d1", []byte("pubkey-d1"), triad.AlgoEd25519); !ok {
		t.Error("expected FindDevice to still resolve the record (match is on device id, pubkey, algo only; trust is not checked)")
	}
}

func TestRotateDeviceKey_RejectsRevoked(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)
	s.AddDeviceKey(id, newDevice("d1"), now)
	s.RevokeDevice(id, "d1", "d0", now)

	err := s.RotateDeviceKey(id, "d1", []byte("new-pubkey"), triad.AlgoEd25519, now)
	if !errors.Is(err, triad.ErrDeviceRevoked) {
		t.Errorf("got %v, want ErrDeviceRevoked", err)
	}
}

func TestGrantRevokeRole_RoundTrip(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	s.GrantRole(id, "gov.voter", now)
	if !s.HasRole(id, "gov.voter") {
		t.Fatal("expected HasRole true after grant")
	}
	ids := s.IdentitiesWithRole("gov.voter")
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("IdentitiesWithRole = %v", ids)
	}

	s.RevokeRole(id, "gov.voter", now)
	if s.HasRole(id, "gov.voter") {
		t.Fatal("expected HasRole false after revoke")
	}
}

func TestDisableIdentity(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	s.DisableIdentity(id, now)
	rec, _ := s.Get(id)
	if !rec.Disabled {
		t.Error("expected Disabled=true")
	}
}

func TestLinkWalletIdentity(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	if err := s.LinkWalletIdentity(id, "wallet-xyz", now); err != nil {
		t.Fatalf("LinkWalletIdentity: %v", err)
	}
	rec, _ := s.Get(id)
	if rec.Metadata["wallet_id"] != "wallet-xyz" {
		t.Errorf("metadata[wallet_id] = %q", rec.Metadata["wallet_id"])
	}
}

func TestRecordFailedAttempt_LockoutAtThreshold(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	var prof SecurityProfile
	for i := 0; i < 5; i++ {
		var err error
		prof, err = s.RecordFailedAttempt(id, now, 5, 15*time.Minute)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if prof.FailedAttempts != 5 {
		t.Errorf("FailedAttempts = %d, want 5", prof.FailedAttempts)
	}
	if prof.LockoutUntil.IsZero() {
		t.Error("expected lockout to be set at threshold")
	}
	if prof.RiskScore < 0.49 || prof.RiskScore > 0.51 {
		t.Errorf("RiskScore = %v, want ~0.5", prof.RiskScore)
	}
}

func TestRecordFailedAttempt_RiskScoreCapped(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	var prof SecurityProfile
	for i := 0; i < 15; i++ {
		prof, _ = s.RecordFailedAttempt(id, now, 100, time.Minute)
	}
	if prof.RiskScore != 1.0 {
		t.Errorf("RiskScore = %v, want capped at 1.0", prof.RiskScore)
	}
}

func TestResetFailedAttempts(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)
	s.RecordFailedAttempt(id, now, 5, 15*time.Minute)

	if err := s.ResetFailedAttempts(id, now); err != nil {
		t.Fatalf("ResetFailedAttempts: %v", err)
	}
	rec, _ := s.Get(id)
	if rec.Security.FailedAttempts != 0 || !rec.Security.LockoutUntil.IsZero() {
		t.Error("expected failedAttempts and lockout cleared")
	}
}

func TestFindDevice_MatchesAllThreeFields(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	if _, ok := s.FindDevice(id, "d0", []byte("wrong-pubkey"), triad.AlgoEd25519); ok {
		t.Error("expected mismatch on pubkey to miss")
	}
	if _, ok := s.FindDevice(id, "d0", []byte("pubkey-d0"), triad.AlgoSecp256k1); ok {
		t.Error("expected mismatch on algo to miss")
	}
	if _, ok := s.FindDevice(id, "d0", []byte("pubkey-d0"), triad.AlgoEd25519); !ok {
		t.Error("expected exact match to hit")
	}
}

func TestIdentityByDevice(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	got, ok := s.IdentityByDevice("d0")
	if !ok || got != id {
		t.Errorf("IdentityByDevice = %v, %v, want %v, true", got, ok, id)
	}
}

func TestTouchDeviceLastUsed(t *testing.T) {
	s := New()
	now := time.Now()
	id := triad.IdentityId("id-1")
	s.CreateIdentity(id, newDevice("d0"), nil, now)

	later := now.Add(time.Minute)
	if err := s.TouchDeviceLastUsed(id, "d0", later); err != nil {
		t.Fatalf("TouchDeviceLastUsed: %v", err)
	}
	rec, _ := s.Get(id)
	if !rec.Devices["d0"].LastUsedAt.Equal(later) {
		t.Errorf("LastUsedAt = %v, want %v", rec.Devices["d0"].LastUsedAt, later)
	}
}

package triadreplica

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/triad/pkg/identity"
	"github.com/wisbric/triad/pkg/triad"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	pingErr  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Ping(context.Context) error { return f.pingErr }

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	store := identity.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec, err := store.CreateIdentity("alice", identity.DeviceKey{
		DeviceId: "dev-1",
		Algo:     triad.AlgoEd25519,
		Pubkey:   []byte{1, 2, 3},
	}, map[string]string{"region": "eu"}, now)
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := store.GrantRole("alice", "gov.voter", now); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := store.GrantRole("alice", "admin.security", now); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	rec, _ = store.Get("alice")
	return rec
}

func TestSaveSnapshotUpserts(t *testing.T) {
	db := &fakeDB{}
	sink := New(db, nil)
	rec := testIdentity(t)

	if err := sink.SaveSnapshot(context.Background(), rec); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	if !strings.Contains(db.execSQL, "ON CONFLICT (identity_id) DO UPDATE") {
		t.Errorf("expected upsert SQL, got %q", db.execSQL)
	}
	if len(db.execArgs) != 4 {
		t.Fatalf("expected 4 args, got %d", len(db.execArgs))
	}
	if got := db.execArgs[0]; got != "alice" {
		t.Errorf("identity_id arg = %v, want alice", got)
	}
	if got := db.execArgs[1]; got != false {
		t.Errorf("disabled arg = %v, want false", got)
	}

	var snap snapshot
	if err := json.Unmarshal(db.execArgs[2].([]byte), &snap); err != nil {
		t.Fatalf("snapshot arg is not valid JSON: %v", err)
	}
	if snap.Id != "alice" {
		t.Errorf("snapshot id = %q, want alice", snap.Id)
	}
	// Roles must be sorted so identical records snapshot identically.
	if len(snap.Roles) != 2 || snap.Roles[0] != "admin.security" || snap.Roles[1] != "gov.voter" {
		t.Errorf("snapshot roles = %v, want sorted [admin.security gov.voter]", snap.Roles)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].DeviceId != "dev-1" || snap.Devices[0].Algo != "ed25519" {
		t.Errorf("snapshot devices = %+v", snap.Devices)
	}
	if snap.Metadata["region"] != "eu" {
		t.Errorf("snapshot metadata = %v", snap.Metadata)
	}
}

func TestSaveSnapshotPropagatesExecError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection reset")}
	sink := New(db, nil)

	err := sink.SaveSnapshot(context.Background(), testIdentity(t))
	if err == nil {
		t.Fatal("expected error from failing Exec")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error does not wrap cause: %v", err)
	}
}

func TestPing(t *testing.T) {
	db := &fakeDB{pingErr: errors.New("down")}
	sink := New(db, nil)
	if err := sink.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}

	db.pingErr = nil
	if err := sink.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

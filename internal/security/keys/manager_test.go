package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
)

func testMaster() string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestManager(t *testing.T, overlap time.Duration) (*Manager, cache.Client) {
	t.Helper()
	store := cache.NewMemory("")
	m, err := NewManager(testMaster(), store, overlap, time.Minute)
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	return m, store
}

func TestDeriveKey_DeterministicPerContext(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	k1, err := m.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := m.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("misma (context, salt) debe derivar la misma clave")
	}

	other, err := m.DeriveKey(ctx, "claims")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, other) {
		t.Fatal("contextos distintos no pueden compartir clave")
	}
	if len(k1) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(k1))
	}
}

func TestDeriveKey_SharedSaltAcrossManagers(t *testing.T) {
	t.Parallel()
	store := cache.NewMemory("")
	a, err := NewManager(testMaster(), store, time.Hour, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewManager(testMaster(), store, time.Hour, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ka, err := a.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	kb, err := b.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ka, kb) {
		t.Fatal("dos réplicas con el mismo cache deben derivar la misma clave")
	}
}

func TestRotate_ChangesActiveAndKeepsPrevious(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	before, err := m.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Rotate(ctx, "payloads"); err != nil {
		t.Fatalf("Rotate err: %v", err)
	}

	after, err := m.DeriveKey(ctx, "payloads")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Fatal("la rotación debe producir una clave nueva")
	}

	prev, err := m.PreviousKey(ctx, "payloads")
	if err != nil {
		t.Fatalf("PreviousKey err: %v", err)
	}
	if !bytes.Equal(prev, before) {
		t.Fatal("la clave previa debe coincidir con la activa pre-rotación")
	}
}

func TestPreviousKey_ExpiresWithOverlap(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := m.DeriveKey(ctx, "payloads"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rotate(ctx, "payloads"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := m.PreviousKey(ctx, "payloads"); err != ErrNoPreviousKey {
		t.Fatalf("err = %v, want ErrNoPreviousKey", err)
	}
}

func TestNewManager_RejectsBadMaster(t *testing.T) {
	t.Parallel()
	store := cache.NewMemory("")

	if _, err := NewManager("", store, time.Hour, time.Minute); err != ErrNoMasterKey {
		t.Fatalf("err = %v, want ErrNoMasterKey", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := NewManager(short, store, time.Hour, time.Minute); err == nil {
		t.Fatal("clave corta debería rechazarse")
	}
}

package secretbox

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/security/keys"
)

func newTestBox(t *testing.T, overlap time.Duration) *Box {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	km, err := keys.NewManager(base64.StdEncoding.EncodeToString(raw), cache.NewMemory(""), overlap, time.Minute)
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	return New(km)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBox(t, time.Hour)
	ctx := context.Background()

	msg := "hola mundo ✓ — secreto"
	ct, err := b.Encrypt(ctx, []byte(msg), "payloads", []byte("req-123"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	pt, err := b.Decrypt(ctx, ct, "payloads", []byte("req-123"))
	if err != nil {
		t.Fatalf("Decrypt err: %v", err)
	}
	if string(pt) != msg {
		t.Fatalf("plaintext mismatch: got %q want %q", pt, msg)
	}
}

func TestDecrypt_DetectsTamper(t *testing.T) {
	t.Parallel()
	b := newTestBox(t, time.Hour)
	ctx := context.Background()

	ct, err := b.Encrypt(ctx, []byte("top secret"), "payloads", nil)
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	parts := strings.Split(ct, "|")
	if len(parts) != 2 {
		t.Fatalf("unexpected ct format")
	}

	// corromper un byte del ciphertext (base64 -> bytes -> flip -> base64)
	bs, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	bs[0] ^= 0x01 // flip
	corrupted := parts[0] + "|" + base64.StdEncoding.EncodeToString(bs)
	if _, err := b.Decrypt(ctx, corrupted, "payloads", nil); err != ErrDecrypt {
		t.Fatalf("ciphertext alterado: err = %v, want ErrDecrypt", err)
	}

	// corromper el nonce
	nb, _ := base64.StdEncoding.DecodeString(parts[0])
	nb[0] ^= 0x01
	badNonce := base64.StdEncoding.EncodeToString(nb) + "|" + parts[1]
	if _, err := b.Decrypt(ctx, badNonce, "payloads", nil); err != ErrDecrypt {
		t.Fatalf("nonce alterado: err = %v, want ErrDecrypt", err)
	}
}

func TestDecrypt_RejectsWrongAAD(t *testing.T) {
	t.Parallel()
	b := newTestBox(t, time.Hour)
	ctx := context.Background()

	ct, err := b.Encrypt(ctx, []byte("payload"), "payloads", []byte("aad-a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ctx, ct, "payloads", []byte("aad-b")); err != ErrDecrypt {
		t.Fatalf("AAD ajeno: err = %v, want ErrDecrypt", err)
	}
}

func TestDecrypt_RejectsMalformedFormat(t *testing.T) {
	t.Parallel()
	b := newTestBox(t, time.Hour)

	for _, ct := range []string{"", "no-sep", "a|b|c", "!!!|???"} {
		if _, err := b.Decrypt(context.Background(), ct, "payloads", nil); err != ErrDecrypt {
			t.Fatalf("ct %q: err = %v, want ErrDecrypt", ct, err)
		}
	}
}

func TestDecrypt_AcrossRotationWithinOverlap(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(200 - i)
	}
	store := cache.NewMemory("")
	km, err := keys.NewManager(base64.StdEncoding.EncodeToString(raw), store, 50*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	b := New(km)
	ctx := context.Background()

	ct, err := b.Encrypt(ctx, []byte("antes de rotar"), "payloads", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := km.Rotate(ctx, "payloads"); err != nil {
		t.Fatal(err)
	}

	// dentro del overlap: la clave previa todavía descifra
	pt, err := b.Decrypt(ctx, ct, "payloads", nil)
	if err != nil {
		t.Fatalf("dentro del overlap: err = %v", err)
	}
	if string(pt) != "antes de rotar" {
		t.Fatalf("plaintext = %q", pt)
	}

	// vencido el overlap: ilegible
	time.Sleep(80 * time.Millisecond)
	if _, err := b.Decrypt(ctx, ct, "payloads", nil); err != ErrDecrypt {
		t.Fatalf("overlap vencido: err = %v, want ErrDecrypt", err)
	}
}

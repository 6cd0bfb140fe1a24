// Package secretbox cifra payloads sensibles con AEAD (AES-256-GCM).
//
// Formato de salida: base64(nonce)|base64(ciphertext). El associated data no
// viaja en el ciphertext: el caller debe presentar el mismo AAD al descifrar,
// y cualquier alteración de nonce, ciphertext, tag o AAD hace fallar Open.
// No existe descifrado parcial: o se recupera el plaintext completo o error.
package secretbox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dropDatabas3/gatekeeper/internal/security/keys"
)

const (
	nonceSizeGCM = 12  // AES-GCM nonce recomendado (96 bits)
	sep          = "|" // nonce|ciphertext (ambos en base64)
)

// ErrDecrypt es el error uniforme de descifrado: no distingue entre tag
// inválido, nonce corrupto o AAD ajeno para no filtrar información.
var ErrDecrypt = errors.New("secretbox: decryption failed")

// Box cifra y descifra usando claves derivadas por contexto del Manager.
type Box struct {
	keys *keys.Manager
}

// New crea un Box sobre el key manager dado.
func New(km *keys.Manager) *Box {
	return &Box{keys: km}
}

// Encrypt cifra plaintext bajo la clave activa del contexto y devuelve
// base64(nonce)|base64(ciphertext). aad queda autenticado pero no cifrado.
func (b *Box) Encrypt(ctx context.Context, plaintext []byte, keyCtx string, aad []byte) (string, error) {
	key, err := b.keys.DeriveKey(ctx, keyCtx)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce random: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt recupera el plaintext. Intenta primero la clave activa del contexto;
// si falla y hay una rotación dentro de la ventana de overlap, reintenta con
// la clave previa. Cerrada la ventana, los ciphertexts viejos quedan ilegibles.
func (b *Box) Decrypt(ctx context.Context, ciphertext, keyCtx string, aad []byte) ([]byte, error) {
	nonce, ct, err := split(ciphertext)
	if err != nil {
		return nil, err
	}

	key, err := b.keys.DeriveKey(ctx, keyCtx)
	if err != nil {
		return nil, err
	}
	if pt, err := open(key, nonce, ct, aad); err == nil {
		return pt, nil
	}

	prev, err := b.keys.PreviousKey(ctx, keyCtx)
	if err != nil {
		return nil, ErrDecrypt
	}
	pt, err := open(prev, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: cipher.NewGCM: %w", err)
	}
	return aead, nil
}

func open(key, nonce, ct, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func split(ciphertext string) (nonce, ct []byte, err error) {
	parts := strings.Split(ciphertext, sep)
	if len(parts) != 2 {
		return nil, nil, ErrDecrypt
	}
	nonce, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSizeGCM {
		return nil, nil, ErrDecrypt
	}
	ct, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	return nonce, ct, nil
}

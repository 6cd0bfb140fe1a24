// Package keys administra las claves simétricas derivadas del master secret.
//
// La clave maestra vive únicamente en este paquete: nunca se loggea, nunca se
// serializa y nunca se pasa a otros componentes. Lo que sale de acá son claves
// derivadas por contexto via HKDF(master, salt, context). El salt por contexto
// vive en el cache compartido (`salt:{context}`), de modo que todas las
// réplicas derivan la misma clave; rotar un contexto es emitir un salt nuevo
// sin tocar el master.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

const (
	requiredKeyLength = 32 // 32 bytes => AES-256
	saltLength        = 16
)

var (
	// ErrNoMasterKey indica que el manager se construyó sin clave maestra.
	ErrNoMasterKey = errors.New("keys: master key not configured")
	// ErrNoPreviousKey indica que no hay salt previo vigente para el contexto.
	ErrNoPreviousKey = errors.New("keys: no previous key within overlap window")
)

// Manager deriva y rota claves por contexto.
type Manager struct {
	master  []byte
	store   cache.Client
	derived *gocache.Cache // cache in-process, read-mostly; se invalida al rotar
	overlap time.Duration
	sf      singleflight.Group
}

// NewManager construye el Manager. masterB64 es la clave maestra en base64
// (32 bytes decodificados), normalmente desde GATEKEEPER_MASTER_KEY.
func NewManager(masterB64 string, store cache.Client, overlap, derivedTTL time.Duration) (*Manager, error) {
	if masterB64 == "" {
		return nil, ErrNoMasterKey
	}
	k, err := base64.StdEncoding.DecodeString(masterB64)
	if err != nil {
		return nil, fmt.Errorf("keys: decode master key: %w", err)
	}
	if len(k) != requiredKeyLength {
		return nil, fmt.Errorf("keys: master key debe decodificar a %d bytes, obtuvo %d", requiredKeyLength, len(k))
	}
	if overlap <= 0 {
		overlap = 24 * time.Hour
	}
	if derivedTTL <= 0 {
		derivedTTL = 10 * time.Minute
	}
	master := make([]byte, len(k))
	copy(master, k)
	return &Manager{
		master:  master,
		store:   store,
		derived: gocache.New(derivedTTL, 2*derivedTTL),
		overlap: overlap,
	}, nil
}

// Ready expone si el master está cargado (para healthchecks).
func (m *Manager) Ready() bool {
	return m != nil && len(m.master) == requiredKeyLength
}

func saltKey(kctx string) string     { return "salt:" + kctx }
func prevSaltKey(kctx string) string { return saltKey(kctx) + ":prev" }

// DeriveKey retorna la clave activa de 32 bytes para el contexto dado.
// Derivación determinística: misma (master, salt, context) => misma clave en
// cualquier réplica. Las derivaciones concurrentes del mismo contexto se
// colapsan en una sola.
func (m *Manager) DeriveKey(ctx context.Context, kctx string) ([]byte, error) {
	if !m.Ready() {
		return nil, ErrNoMasterKey
	}
	if v, ok := m.derived.Get(kctx); ok {
		return v.([]byte), nil
	}

	out, err, _ := m.sf.Do(kctx, func() (any, error) {
		salt, err := m.ensureSalt(ctx, kctx)
		if err != nil {
			return nil, err
		}
		key, err := m.expand(salt, kctx)
		if err != nil {
			return nil, err
		}
		m.derived.SetDefault(kctx, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// PreviousKey retorna la clave derivada del salt anterior a la última rotación,
// si la ventana de overlap todavía no venció.
func (m *Manager) PreviousKey(ctx context.Context, kctx string) ([]byte, error) {
	if !m.Ready() {
		return nil, ErrNoMasterKey
	}
	saltB64, err := m.store.Get(ctx, prevSaltKey(kctx))
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, ErrNoPreviousKey
		}
		return nil, fmt.Errorf("keys: read previous salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("keys: decode previous salt: %w", err)
	}
	return m.expand(salt, kctx)
}

// Rotate emite un salt nuevo para el contexto. El salt saliente queda bajo
// `salt:{ctx}:prev` con TTL igual a la ventana de overlap: los ciphertexts
// viejos siguen descifrables hasta que esa ventana venza.
func (m *Manager) Rotate(ctx context.Context, kctx string) error {
	if !m.Ready() {
		return ErrNoMasterKey
	}

	old, err := m.store.Get(ctx, saltKey(kctx))
	if err != nil && !cache.IsNotFound(err) {
		return fmt.Errorf("keys: read salt for rotation: %w", err)
	}
	if err == nil {
		if err := m.store.Set(ctx, prevSaltKey(kctx), old, m.overlap); err != nil {
			return fmt.Errorf("keys: park previous salt: %w", err)
		}
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, saltKey(kctx), salt, 0); err != nil {
		return fmt.Errorf("keys: write rotated salt: %w", err)
	}

	m.derived.Delete(kctx)
	logger.From(ctx).Info("key context rotated",
		logger.Component("keys"),
		logger.KeyContext(kctx),
		logger.Duration(m.overlap),
	)
	return nil
}

// ensureSalt lee el salt activo, creándolo si el contexto es nuevo.
// SetNX evita que dos réplicas inicialicen salts distintos.
func (m *Manager) ensureSalt(ctx context.Context, kctx string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		saltB64, err := m.store.Get(ctx, saltKey(kctx))
		if err == nil {
			return base64.StdEncoding.DecodeString(saltB64)
		}
		if !cache.IsNotFound(err) {
			return nil, fmt.Errorf("keys: read salt: %w", err)
		}

		fresh, err := newSalt()
		if err != nil {
			return nil, err
		}
		ok, err := m.store.SetNX(ctx, saltKey(kctx), fresh, 0)
		if err != nil {
			return nil, fmt.Errorf("keys: init salt: %w", err)
		}
		if ok {
			return base64.StdEncoding.DecodeString(fresh)
		}
		// perdimos la carrera: releer el salt del ganador
	}
	return nil, errors.New("keys: salt init race not settled")
}

// expand corre HKDF-SHA256 sobre el master con el salt y el contexto como info.
func (m *Manager) expand(salt []byte, kctx string) ([]byte, error) {
	r := hkdf.New(sha256.New, m.master, salt, []byte(kctx))
	key := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keys: hkdf expand: %w", err)
	}
	return key, nil
}

func newSalt() (string, error) {
	b := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("keys: salt random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

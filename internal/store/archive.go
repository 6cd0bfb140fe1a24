// Package store es el espejo durable del gatekeeper en PostgreSQL: metadata
// de tokens (para que la revocación masiva sobreviva al TTL del cache) e
// incidentes resueltos (retención de auditoría).
//
// Todo es best-effort: una caída del archive nunca bloquea ni falla la
// emisión de tokens ni la resolución de incidentes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/gatekeeper/internal/config"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
	"github.com/dropDatabas3/gatekeeper/internal/security/revocation"
	"github.com/dropDatabas3/gatekeeper/internal/security/secretbox"
)

// archiveKeyCtx es el contexto de derivación para cifrar trazas en reposo.
const archiveKeyCtx = "incident-archive"

// ErrNotArchived indica que el incidente pedido no está en el archive.
var ErrNotArchived = errors.New("store: incident not archived")

// querier es el subconjunto de pgxpool.Pool que usa el archive; los tests lo
// fakean sin base.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Archive escribe el espejo durable. Si box no es nil, la traza de eventos de
// cada incidente se cifra en reposo con la clave derivada del contexto
// "incident-archive".
type Archive struct {
	q    querier
	pool *pgxpool.Pool // nil cuando q viene inyectado en tests
	box  *secretbox.Box

	writeTimeout time.Duration
}

// New abre el pool contra el DSN configurado y garantiza el esquema.
// box puede ser nil: la traza queda vacía en vez de cifrada.
func New(ctx context.Context, cfg *config.Config, box *secretbox.Box) (*Archive, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Archive.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.Archive.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.Archive.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	a := &Archive{q: pool, pool: pool, box: box, writeTimeout: 5 * time.Second}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// newWithQuerier es el constructor de tests.
func newWithQuerier(q querier, box *secretbox.Box) *Archive {
	return &Archive{q: q, box: box, writeTimeout: 5 * time.Second}
}

// Close cierra el pool (idempotente).
func (a *Archive) Close() {
	if a != nil && a.pool != nil {
		a.pool.Close()
	}
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS token_metadata (
			jti        TEXT PRIMARY KEY,
			subject    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			token_type TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS token_metadata_subject_idx ON token_metadata (subject)`,
		`CREATE TABLE IF NOT EXISTS resolved_incident (
			incident_id     TEXT PRIMARY KEY,
			correlation_key TEXT NOT NULL,
			incident_type   TEXT NOT NULL,
			severity        TEXT NOT NULL,
			event_count     INT NOT NULL,
			first_seen      TIMESTAMPTZ NOT NULL,
			last_seen       TIMESTAMPTZ NOT NULL,
			acked_by        TEXT NOT NULL,
			resolved_at     TIMESTAMPTZ NOT NULL,
			trace_enc       TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, s := range stmts {
		if _, err := a.q.Exec(ctx, s); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// RecordToken espeja la metadata de un token emitido.
func (a *Archive) RecordToken(ctx context.Context, subject, jti, sessionID, tokenType string, expiresAt time.Time) error {
	_, err := a.q.Exec(ctx,
		`INSERT INTO token_metadata (jti, subject, session_id, token_type, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, subject, sessionID, tokenType, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store: record token: %w", err)
	}
	return nil
}

// SubjectTokens lista los tokens no vencidos del subject. Implementa
// revocation.SubjectIndex: es la fuente que la revocación masiva consulta
// cuando el índice del cache ya expiró.
func (a *Archive) SubjectTokens(ctx context.Context, subject string) ([]revocation.IndexedToken, error) {
	rows, err := a.q.Query(ctx,
		`SELECT jti, token_type, expires_at FROM token_metadata
		 WHERE subject = $1 AND expires_at > now()`,
		subject)
	if err != nil {
		return nil, fmt.Errorf("store: subject tokens: %w", err)
	}
	defer rows.Close()

	var toks []revocation.IndexedToken
	for rows.Next() {
		var tk revocation.IndexedToken
		if err := rows.Scan(&tk.JTI, &tk.TokenType, &tk.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: subject tokens: %w", err)
		}
		toks = append(toks, tk)
	}
	return toks, rows.Err()
}

// PurgeExpiredTokens borra metadata de tokens ya vencidos. Devuelve cuántas
// filas se fueron.
func (a *Archive) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := a.q.Exec(ctx, `DELETE FROM token_metadata WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("store: purge tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunPurge corre la poda periódica de metadata vencida hasta cancelar el ctx.
func (a *Archive) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.From(ctx).Error("token metadata purge failed", logger.Err(err))
				continue
			}
			if n > 0 {
				logger.From(ctx).Info("expired token metadata purged", logger.Int64("rows", n))
			}
		}
	}
}

// ArchiveIncident implementa monitor.Archiver: persiste el incidente resuelto
// en background con timeout propio. El monitor no espera por esto.
func (a *Archive) ArchiveIncident(inc *monitor.CorrelatedIncident) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		defer cancel()
		if err := a.writeIncident(ctx, inc); err != nil {
			logger.L().Error("incident archive failed",
				logger.IncidentID(inc.ID),
				logger.Err(err),
			)
		}
	}()
}

func (a *Archive) writeIncident(ctx context.Context, inc *monitor.CorrelatedIncident) error {
	trace, err := a.encryptTrace(ctx, inc)
	if err != nil {
		return fmt.Errorf("store: encrypt trace: %w", err)
	}
	_, err = a.q.Exec(ctx,
		`INSERT INTO resolved_incident
		 (incident_id, correlation_key, incident_type, severity, event_count,
		  first_seen, last_seen, acked_by, resolved_at, trace_enc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (incident_id) DO NOTHING`,
		inc.ID, inc.Key, string(inc.Type), string(inc.Severity), inc.Count,
		inc.FirstSeen.UTC(), inc.LastSeen.UTC(), inc.AckedBy, inc.ResolvedAt.UTC(), trace)
	if err != nil {
		return fmt.Errorf("store: write incident: %w", err)
	}
	return nil
}

// encryptTrace cifra los ids de eventos miembro con AAD = incident_id, de modo
// que una fila no pueda recibir la traza de otra sin romper el tag.
func (a *Archive) encryptTrace(ctx context.Context, inc *monitor.CorrelatedIncident) (string, error) {
	if a.box == nil || len(inc.SampleEvents) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(inc.SampleEvents)
	if err != nil {
		return "", err
	}
	return a.box.Encrypt(ctx, raw, archiveKeyCtx, []byte(inc.ID))
}

// ResolvedIncidentTrace busca el incidente archivado y devuelve los ids de
// sus eventos miembro, ya descifrados. Incidente inexistente => ErrNotArchived;
// traza vacía (archive sin cifrado, o incidente sin eventos) => lista vacía.
func (a *Archive) ResolvedIncidentTrace(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := a.q.Query(ctx,
		`SELECT trace_enc FROM resolved_incident WHERE incident_id = $1`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("store: incident trace: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: incident trace: %w", err)
		}
		return nil, ErrNotArchived
	}
	var trace string
	if err := rows.Scan(&trace); err != nil {
		return nil, fmt.Errorf("store: incident trace: %w", err)
	}
	if trace == "" {
		return nil, nil
	}
	return a.IncidentTrace(ctx, incidentID, trace)
}

// IncidentTrace descifra la traza de un incidente archivado.
func (a *Archive) IncidentTrace(ctx context.Context, incidentID, trace string) ([]string, error) {
	if a.box == nil {
		return nil, fmt.Errorf("store: archive sin cifrado configurado")
	}
	raw, err := a.box.Decrypt(ctx, trace, archiveKeyCtx, []byte(incidentID))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("store: decode trace: %w", err)
	}
	return ids, nil
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"patient-access/internal/domain/audit"
)

type auditRepo struct {
	db *sql.DB
	d  Dialect
}

const auditColumns = `
	id, event_type, actor_id, actor_role, patient_id, organization_id, grant_id,
	outcome, reason, details, remote_addr, user_agent, request_id, recorded_at`

func (r *auditRepo) Append(ctx context.Context, e audit.Entry) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.d.rebind(`
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?,?,?,?,?,?,?, ?,?,?,?,?,?,?)
	`),
		e.ID,
		string(e.Type),
		e.ActorID,
		e.ActorRole,
		e.PatientID,
		e.OrganizationID,
		e.GrantID,
		string(e.Outcome),
		e.Reason,
		details,
		e.RemoteAddr,
		e.UserAgent,
		e.RequestID,
		toMillis(e.RecordedAt),
	)
	return err
}

func (r *auditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.GrantID != "" {
		where = append(where, "grant_id = ?")
		args = append(args, f.GrantID)
	}

	q := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	// ulid ordena igual que recorded_at; desempata dentro del mismo milisegundo.
	q += ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e                audit.Entry
			typ, outcome, dt string
			recordedAt       int64
		)
		if err := rows.Scan(
			&e.ID,
			&typ,
			&e.ActorID,
			&e.ActorRole,
			&e.PatientID,
			&e.OrganizationID,
			&e.GrantID,
			&outcome,
			&e.Reason,
			&dt,
			&e.RemoteAddr,
			&e.UserAgent,
			&e.RequestID,
			&recordedAt,
		); err != nil {
			return nil, err
		}
		details, err := decodeJSON(dt)
		if err != nil {
			return nil, fmt.Errorf("audit %s details: %w", e.ID, err)
		}
		e.Type = audit.EventType(typ)
		e.Outcome = audit.Outcome(outcome)
		e.Details = details
		e.RecordedAt = fromMillis(recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

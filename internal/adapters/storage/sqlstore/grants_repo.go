package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"patient-access/internal/domain/grants"
)

type grantsRepo struct {
	db *sql.DB
	d  Dialect
}

const grantColumns = `
	id, patient_id, organization_id, requesting_practitioner_id, status,
	can_view_medical_history, can_view_prescriptions, can_create_encounters, can_view_audit_logs,
	time_window_hours, request_metadata, notification_job_id,
	created_at, updated_at, granted_at, expires_at, revoked_at,
	revoked_by, revocation_reason`

// statusSpellings incluye las grafías históricas que todavía existen en
// filas viejas; el CAS tiene que reconocerlas.
func statusSpellings(st grants.Status) []string {
	switch st {
	case grants.StatusActive:
		return []string{"ACTIVE", "active", "approved", "APPROVED"}
	case grants.StatusRevoked:
		return []string{"REVOKED", "revoked", "denied", "DENIED"}
	default:
		return []string{string(st), strings.ToLower(string(st))}
	}
}

func (r *grantsRepo) Create(ctx context.Context, g grants.Grant) error {
	meta, err := encodeJSON(g.RequestMetadata)
	if err != nil {
		return fmt.Errorf("encode request metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.d.rebind(`
		INSERT INTO authorization_grants (`+grantColumns+`)
		VALUES (?,?,?,?,?, ?,?,?,?, ?,?,?, ?,?,?,?,?, ?,?)
	`),
		g.ID,
		g.PatientID,
		g.OrganizationID,
		g.RequestingPractitionerID,
		string(g.Status),
		g.AccessScope.CanViewMedicalHistory,
		g.AccessScope.CanViewPrescriptions,
		g.AccessScope.CanCreateEncounters,
		g.AccessScope.CanViewAuditLogs,
		g.TimeWindowHours,
		meta,
		g.NotificationJobID,
		toMillis(g.CreatedAt),
		toMillis(g.UpdatedAt),
		toNullMillis(g.GrantedAt),
		toMillis(g.ExpiresAt),
		toNullMillis(g.RevokedAt),
		g.RevokedBy,
		g.RevocationReason,
	)
	return err
}

func (r *grantsRepo) GetByID(ctx context.Context, id string) (grants.Grant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return grants.Grant{}, grants.ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, r.d.rebind(`
		SELECT `+grantColumns+`
		FROM authorization_grants
		WHERE id = ?
	`), id)

	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, grants.ErrNotFound
	}
	return g, err
}

func (r *grantsRepo) List(ctx context.Context, f grants.Filter) ([]grants.Grant, error) {
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
	if f.PractitionerID != "" {
		where = append(where, "requesting_practitioner_id = ?")
		args = append(args, f.PractitionerID)
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at <= ?")
		args = append(args, toMillis(f.ExpiresBefore))
	}
	if len(f.Statuses) > 0 {
		var spellings []string
		for _, st := range f.Statuses {
			spellings = append(spellings, statusSpellings(st)...)
		}
		where = append(where, "status IN ("+placeholders(len(spellings))+")")
		for _, s := range spellings {
			args = append(args, s)
		}
	}

	q := `SELECT ` + grantColumns + ` FROM authorization_grants`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]grants.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Transition es un único UPDATE condicionado al status esperado. Si no toca
// filas distingue grant inexistente de status desactualizado.
func (r *grantsRepo) Transition(ctx context.Context, from grants.Status, g grants.Grant) error {
	spellings := statusSpellings(from)

	args := []any{
		string(g.Status),
		toMillis(g.UpdatedAt),
		toNullMillis(g.GrantedAt),
		toNullMillis(g.RevokedAt),
		g.RevokedBy,
		g.RevocationReason,
		g.ID,
	}
	for _, s := range spellings {
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, r.d.rebind(`
		UPDATE authorization_grants
		SET status = ?, updated_at = ?, granted_at = ?, revoked_at = ?,
		    revoked_by = ?, revocation_reason = ?
		WHERE id = ? AND status IN (`+placeholders(len(spellings))+`)
	`), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var one int
	err = r.db.QueryRowContext(ctx, r.d.rebind(`SELECT 1 FROM authorization_grants WHERE id = ?`), g.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.ErrNotFound
	}
	if err != nil {
		return err
	}
	return grants.ErrConflict
}

func (r *grantsRepo) AttachNotification(ctx context.Context, grantID, jobID string) error {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`
		UPDATE authorization_grants SET notification_job_id = ? WHERE id = ?
	`), jobID, grantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return grants.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(s scanner) (grants.Grant, error) {
	var (
		g                    grants.Grant
		status, meta         string
		createdAt, updatedAt int64
		expiresAt            int64
		grantedAt, revokedAt sql.NullInt64
	)

	if err := s.Scan(
		&g.ID,
		&g.PatientID,
		&g.OrganizationID,
		&g.RequestingPractitionerID,
		&status,
		&g.AccessScope.CanViewMedicalHistory,
		&g.AccessScope.CanViewPrescriptions,
		&g.AccessScope.CanCreateEncounters,
		&g.AccessScope.CanViewAuditLogs,
		&g.TimeWindowHours,
		&meta,
		&g.NotificationJobID,
		&createdAt,
		&updatedAt,
		&grantedAt,
		&expiresAt,
		&revokedAt,
		&g.RevokedBy,
		&g.RevocationReason,
	); err != nil {
		return grants.Grant{}, err
	}

	st, ok := grants.NormalizeStatus(status)
	if !ok {
		return grants.Grant{}, fmt.Errorf("grant %s: unknown status %q", g.ID, status)
	}
	g.Status = st

	md, err := decodeJSON(meta)
	if err != nil {
		return grants.Grant{}, fmt.Errorf("grant %s: decode request metadata: %w", g.ID, err)
	}
	g.RequestMetadata = md

	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	g.ExpiresAt = fromMillis(expiresAt)
	g.GrantedAt = fromNullMillis(grantedAt)
	g.RevokedAt = fromNullMillis(revokedAt)
	return g, nil
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"patient-access/internal/domain/tokens"
)

type tokensRepo struct {
	db *sql.DB
	d  Dialect
}

const tokenColumns = `
	token, grant_id, user_id, organization_id, token_type,
	created_at, expires_at, is_revoked, revoked_at, revoked_by, metadata`

func (r *tokensRepo) Insert(ctx context.Context, t tokens.Token) error {
	if t.Token == "" {
		return errors.New("token required")
	}
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode token metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.d.rebind(`
		INSERT INTO access_tokens (`+tokenColumns+`)
		VALUES (?,?,?,?,?, ?,?,?,?,?,?)
	`),
		t.Token,
		t.GrantID,
		t.UserID,
		t.OrganizationID,
		string(t.Type),
		toMillis(t.CreatedAt),
		toMillis(t.ExpiresAt),
		t.IsRevoked,
		toNullMillis(t.RevokedAt),
		t.RevokedBy,
		meta,
	)
	return err
}

func (r *tokensRepo) Get(ctx context.Context, token string) (tokens.Token, error) {
	row := r.db.QueryRowContext(ctx, r.d.rebind(`
		SELECT `+tokenColumns+` FROM access_tokens WHERE token = ?
	`), token)

	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tokens.Token{}, tokens.ErrNotFound
	}
	return t, err
}

func (r *tokensRepo) Delete(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM access_tokens WHERE token = ?`), token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *tokensRepo) Revoke(ctx context.Context, token string, rv tokens.Revocation) (bool, error) {
	found := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		list, err := r.selectTokens(ctx, tx, `token = ?`, token)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return nil
		}
		found = true
		if list[0].IsRevoked {
			return nil
		}
		_, err = r.markRevoked(ctx, tx, list[0], rv)
		return err
	})
	return found, err
}

func (r *tokensRepo) RevokeByGrant(ctx context.Context, grantID string, rv tokens.Revocation) (int, error) {
	return r.revokeWhere(ctx, `grant_id = ?`, grantID, rv)
}

func (r *tokensRepo) RevokeByUser(ctx context.Context, userID string, rv tokens.Revocation) (int, error) {
	return r.revokeWhere(ctx, `user_id = ?`, userID, rv)
}

func (r *tokensRepo) ListByGrant(ctx context.Context, grantID string) ([]tokens.Token, error) {
	return r.selectTokens(ctx, r.db, `grant_id = ?`, grantID)
}

func (r *tokensRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM access_tokens WHERE expires_at < ?`), strictlyBefore(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *tokensRepo) Stats(ctx context.Context, now time.Time) (tokens.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT token_type, is_revoked, expires_at FROM access_tokens`)
	if err != nil {
		return tokens.Stats{}, err
	}
	defer rows.Close()

	st := tokens.NewStats()
	for rows.Next() {
		var (
			t         tokens.Token
			typ       string
			expiresAt int64
		)
		if err := rows.Scan(&typ, &t.IsRevoked, &expiresAt); err != nil {
			return tokens.Stats{}, err
		}
		t.Type = tokens.Type(typ)
		t.ExpiresAt = fromMillis(expiresAt)
		st.Add(t, now)
	}
	return st, rows.Err()
}

func (r *tokensRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens`)
	return err
}

// revokeWhere revoca dentro de una transacción los tokens vivos que matchean;
// cada UPDATE va condicionado a is_revoked para no pisar una revocación previa.
func (r *tokensRepo) revokeWhere(ctx context.Context, cond string, arg any, rv tokens.Revocation) (int, error) {
	n := 0
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		list, err := r.selectTokens(ctx, tx, cond+` AND is_revoked = ?`, arg, false)
		if err != nil {
			return err
		}
		for _, t := range list {
			ok, err := r.markRevoked(ctx, tx, t, rv)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *tokensRepo) markRevoked(ctx context.Context, q queryer, t tokens.Token, rv tokens.Revocation) (bool, error) {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if rv.Reason != "" {
		meta[tokens.MetadataRevocationReason] = rv.Reason
	}
	raw, err := encodeJSON(meta)
	if err != nil {
		return false, err
	}

	res, err := q.ExecContext(ctx, r.d.rebind(`
		UPDATE access_tokens
		SET is_revoked = ?, revoked_at = ?, revoked_by = ?, metadata = ?
		WHERE token = ? AND is_revoked = ?
	`), true, toMillis(rv.At), rv.By, raw, t.Token, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *tokensRepo) selectTokens(ctx context.Context, q queryer, cond string, args ...any) ([]tokens.Token, error) {
	rows, err := q.QueryContext(ctx, r.d.rebind(`
		SELECT `+tokenColumns+` FROM access_tokens WHERE `+cond+` ORDER BY created_at ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]tokens.Token, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(s scanner) (tokens.Token, error) {
	var (
		t                    tokens.Token
		typ, meta            string
		createdAt, expiresAt int64
		revokedAt            sql.NullInt64
	)
	if err := s.Scan(
		&t.Token,
		&t.GrantID,
		&t.UserID,
		&t.OrganizationID,
		&typ,
		&createdAt,
		&expiresAt,
		&t.IsRevoked,
		&revokedAt,
		&t.RevokedBy,
		&meta,
	); err != nil {
		return tokens.Token{}, err
	}

	md, err := decodeJSON(meta)
	if err != nil {
		return tokens.Token{}, fmt.Errorf("token metadata: %w", err)
	}

	t.Type = tokens.Type(strings.ToLower(typ))
	t.Metadata = md
	t.CreatedAt = fromMillis(createdAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.RevokedAt = fromNullMillis(revokedAt)
	return t, nil
}

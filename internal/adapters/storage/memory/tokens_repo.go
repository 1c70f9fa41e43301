package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"patient-access/internal/domain/tokens"
)

type tokenRepo struct {
	mu      sync.RWMutex
	byToken map[string]tokens.Token
	byGrant map[string]map[string]struct{}
}

func NewTokensRepo() tokens.Repository {
	return &tokenRepo{
		byToken: make(map[string]tokens.Token),
		byGrant: make(map[string]map[string]struct{}),
	}
}

func (r *tokenRepo) Insert(ctx context.Context, t tokens.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Token == "" {
		return errors.New("token required")
	}
	if _, exists := r.byToken[t.Token]; exists {
		return errors.New("token already exists")
	}

	t.Metadata = copyMap(t.Metadata)
	r.byToken[t.Token] = t

	set, ok := r.byGrant[t.GrantID]
	if !ok {
		set = make(map[string]struct{})
		r.byGrant[t.GrantID] = set
	}
	set[t.Token] = struct{}{}
	return nil
}

func (r *tokenRepo) Get(ctx context.Context, token string) (tokens.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byToken[token]
	if !ok {
		return tokens.Token{}, tokens.ErrNotFound
	}
	return cloneToken(t), nil
}

func (r *tokenRepo) Delete(ctx context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deleteLocked(token), nil
}

func (r *tokenRepo) Revoke(ctx context.Context, token string, rv tokens.Revocation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byToken[token]
	if !ok {
		return false, nil
	}
	if !t.IsRevoked {
		r.byToken[token] = revoked(t, rv)
	}
	return true, nil
}

func (r *tokenRepo) RevokeByGrant(ctx context.Context, grantID string, rv tokens.Revocation) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tok := range r.byGrant[grantID] {
		t := r.byToken[tok]
		if t.IsRevoked {
			continue
		}
		r.byToken[tok] = revoked(t, rv)
		n++
	}
	return n, nil
}

func (r *tokenRepo) RevokeByUser(ctx context.Context, userID string, rv tokens.Revocation) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tok, t := range r.byToken {
		if t.UserID != userID || t.IsRevoked {
			continue
		}
		r.byToken[tok] = revoked(t, rv)
		n++
	}
	return n, nil
}

func (r *tokenRepo) ListByGrant(ctx context.Context, grantID string) ([]tokens.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tokens.Token, 0, len(r.byGrant[grantID]))
	for tok := range r.byGrant[grantID] {
		out = append(out, cloneToken(r.byToken[tok]))
	}
	return out, nil
}

func (r *tokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tok, t := range r.byToken {
		if !t.ExpiredAt(now) {
			continue
		}
		if r.deleteLocked(tok) {
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) Stats(ctx context.Context, now time.Time) (tokens.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := tokens.NewStats()
	for _, t := range r.byToken {
		st.Add(t, now)
	}
	return st, nil
}

func (r *tokenRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byToken = make(map[string]tokens.Token)
	r.byGrant = make(map[string]map[string]struct{})
	return nil
}

// deleteLocked asume r.mu tomado en escritura.
func (r *tokenRepo) deleteLocked(token string) bool {
	t, ok := r.byToken[token]
	if !ok {
		return false
	}
	delete(r.byToken, token)
	if set, ok := r.byGrant[t.GrantID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(r.byGrant, t.GrantID)
		}
	}
	return true
}

func revoked(t tokens.Token, rv tokens.Revocation) tokens.Token {
	at := rv.At
	t.IsRevoked = true
	t.RevokedAt = &at
	t.RevokedBy = rv.By
	t.Metadata = copyMap(t.Metadata)
	if rv.Reason != "" {
		t.Metadata[tokens.MetadataRevocationReason] = rv.Reason
	}
	return t
}

func cloneToken(t tokens.Token) tokens.Token {
	t.Metadata = copyMap(t.Metadata)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		t.RevokedAt = &at
	}
	return t
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

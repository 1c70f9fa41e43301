// Package tokenstest contiene la suite de contrato que todo backend de
// tokens.Repository debe pasar. Memoria, sqlite y postgres la ejecutan igual.
package tokenstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"patient-access/internal/domain/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock es un reloj manual seguro para concurrencia.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run ejecuta la suite. newRepo debe devolver un backend vacío en cada llamada.
func Run(t *testing.T, newRepo func(t *testing.T) tokens.Repository) {
	t.Helper()

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*tokens.Service, *Clock) {
		clock := NewClock(base)
		return tokens.NewService(newRepo(t), tokens.WithClock(clock.Now)), clock
	}

	store := func(t *testing.T, svc *tokens.Service, tok, grant, user string, typ tokens.Type, expiresAt time.Time) {
		t.Helper()
		require.NoError(t, svc.Store(context.Background(), tokens.StoreInput{
			Token:          tok,
			GrantID:        grant,
			UserID:         user,
			OrganizationID: "o1",
			Type:           typ,
			ExpiresAt:      expiresAt,
		}))
	}

	t.Run("store then validate round-trips the record", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		require.NoError(t, svc.Store(ctx, tokens.StoreInput{
			Token:          "tok-1",
			GrantID:        "g1",
			UserID:         "u1",
			OrganizationID: "o1",
			Type:           tokens.TypeAccess,
			ExpiresAt:      clock.Now().Add(time.Hour),
			Metadata:       map[string]any{"device": "kiosk-3", "scans": 3, "ratio": 1.5},
		}))

		res, err := svc.Validate(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, res.IsValid)
		require.NotNil(t, res.Token)
		assert.Empty(t, res.Error)
		assert.Equal(t, "g1", res.Token.GrantID)
		assert.Equal(t, "u1", res.Token.UserID)
		assert.Equal(t, "o1", res.Token.OrganizationID)
		assert.Equal(t, tokens.TypeAccess, res.Token.Type)
		require.Len(t, res.Token.Metadata, 3)
		assert.Equal(t, "kiosk-3", res.Token.Metadata["device"])
		assert.EqualValues(t, 3, res.Token.Metadata["scans"])
		assert.Equal(t, 1.5, res.Token.Metadata["ratio"])
		assert.False(t, res.Token.IsRevoked)
	})

	t.Run("expired token reads expired once then not found", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		store(t, svc, "tok-old", "g1", "u1", tokens.TypeAccess, clock.Now().Add(-time.Second))

		res, err := svc.Validate(ctx, "tok-old")
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, tokens.MsgExpired, res.Error)

		res, err = svc.Validate(ctx, "tok-old")
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, tokens.MsgNotFound, res.Error)
	})

	t.Run("expiry boundary is inclusive", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		store(t, svc, "tok-edge", "g1", "u1", tokens.TypeQR, clock.Now().Add(time.Minute))

		clock.Advance(time.Minute)
		res, err := svc.Validate(ctx, "tok-edge")
		require.NoError(t, err)
		assert.True(t, res.IsValid, "now == expiresAt is still valid")

		clock.Advance(time.Millisecond)
		res, err = svc.Validate(ctx, "tok-edge")
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, tokens.MsgExpired, res.Error)
	})

	t.Run("revoke marks token revoked and keeps first revocation", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		store(t, svc, "tok-1", "g1", "u1", tokens.TypeAccess, clock.Now().Add(time.Hour))

		ok, err := svc.Revoke(ctx, "tok-1", "admin", "audit")
		require.NoError(t, err)
		assert.True(t, ok)

		res, err := svc.Validate(ctx, "tok-1")
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, tokens.MsgRevoked, res.Error)

		clock.Advance(time.Minute)
		ok, err = svc.Revoke(ctx, "tok-1", "someone-else", "again")
		require.NoError(t, err)
		assert.True(t, ok)

		list, err := svc.ListForGrant(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].IsRevoked)
		assert.Equal(t, "admin", list[0].RevokedBy)
		assert.Equal(t, "audit", list[0].Metadata[tokens.MetadataRevocationReason])
		require.NotNil(t, list[0].RevokedAt)
		assert.True(t, list[0].RevokedAt.Equal(base), "revokedAt=%s", list[0].RevokedAt)
	})

	t.Run("revoke unknown token returns false", func(t *testing.T) {
		svc, _ := setup(t)

		ok, err := svc.Revoke(context.Background(), "nope", "admin", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("revoke for grant counts only that grant", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()
		exp := clock.Now().Add(time.Hour)

		for i := 0; i < 3; i++ {
			store(t, svc, fmt.Sprintf("g1-tok-%d", i), "g1", "u1", tokens.TypeAccess, exp)
		}
		store(t, svc, "g2-tok", "g2", "u1", tokens.TypeAccess, exp)

		n, err := svc.RevokeForGrant(ctx, "g1", "admin", "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		res, err := svc.Validate(ctx, "g2-tok")
		require.NoError(t, err)
		assert.True(t, res.IsValid)

		n, err = svc.RevokeForGrant(ctx, "g1", "admin", "")
		require.NoError(t, err)
		assert.Equal(t, 0, n, "already revoked tokens are skipped")

		n, err = svc.RevokeForGrant(ctx, "g-missing", "admin", "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("revoke for user does not over-revoke", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()
		exp := clock.Now().Add(time.Hour)

		store(t, svc, "u1-a", "g1", "u1", tokens.TypeAccess, exp)
		store(t, svc, "u1-b", "g2", "u1", tokens.TypeScan, exp)
		store(t, svc, "u2-a", "g3", "u2", tokens.TypeAccess, exp)

		n, err := svc.RevokeForUser(ctx, "u1", "u1", "logout everywhere")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, tok := range []string{"u1-a", "u1-b"} {
			res, err := svc.Validate(ctx, tok)
			require.NoError(t, err)
			assert.Equal(t, tokens.MsgRevoked, res.Error, tok)
		}

		res, err := svc.Validate(ctx, "u2-a")
		require.NoError(t, err)
		assert.True(t, res.IsValid)

		n, err = svc.RevokeForUser(ctx, "nobody", "admin", "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("cleanup deletes expired and is idempotent", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		store(t, svc, "stale-1", "g1", "u1", tokens.TypeAccess, clock.Now().Add(-time.Hour))
		store(t, svc, "stale-2", "g1", "u1", tokens.TypeQR, clock.Now().Add(-time.Second))
		store(t, svc, "fresh", "g1", "u1", tokens.TypeAccess, clock.Now().Add(time.Hour))

		n, err := svc.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = svc.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		res, err := svc.Validate(ctx, "stale-1")
		require.NoError(t, err)
		assert.Equal(t, tokens.MsgNotFound, res.Error)

		list, err := svc.ListForGrant(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "fresh", list[0].Token)
	})

	t.Run("stats reflect composition of the live set", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()
		exp := clock.Now().Add(time.Hour)

		store(t, svc, "a1", "g1", "u1", tokens.TypeAccess, exp)
		store(t, svc, "a2", "g1", "u1", tokens.TypeAccess, exp)
		store(t, svc, "q1", "g1", "u1", tokens.TypeQR, exp)
		store(t, svc, "s1", "g1", "u1", tokens.TypeScan, clock.Now().Add(-time.Minute))

		ok, err := svc.Revoke(ctx, "q1", "admin", "")
		require.NoError(t, err)
		require.True(t, ok)

		st, err := svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, st.Total)
		assert.Equal(t, 2, st.Active)
		assert.Equal(t, 1, st.Revoked)
		assert.Equal(t, 1, st.Expired)
		assert.Equal(t, map[tokens.Type]int{
			tokens.TypeAccess: 2,
			tokens.TypeQR:     1,
			tokens.TypeScan:   1,
		}, st.ByType)
	})

	t.Run("clear all empties the store", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		store(t, svc, "a1", "g1", "u1", tokens.TypeAccess, clock.Now().Add(time.Hour))
		require.NoError(t, svc.ClearAll(ctx))

		st, err := svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Total)
	})

	t.Run("store rejects malformed input", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()

		err := svc.Store(ctx, tokens.StoreInput{Token: "x", GrantID: "g", UserID: "u", Type: "carrier-pigeon", ExpiresAt: clock.Now()})
		require.ErrorIs(t, err, tokens.ErrInvalidInput)

		err = svc.Store(ctx, tokens.StoreInput{GrantID: "g", UserID: "u", Type: tokens.TypeAccess, ExpiresAt: clock.Now()})
		require.ErrorIs(t, err, tokens.ErrInvalidInput)
	})

	t.Run("concurrent mutations keep the store consistent", func(t *testing.T) {
		svc, clock := setup(t)
		ctx := context.Background()
		exp := clock.Now().Add(time.Hour)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers*3)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tok := fmt.Sprintf("c-%d", i)
				if err := svc.Store(ctx, tokens.StoreInput{
					Token: tok, GrantID: "gc", UserID: "uc", Type: tokens.TypeAccess, ExpiresAt: exp,
				}); err != nil {
					errs <- err
					return
				}
				if _, err := svc.Validate(ctx, tok); err != nil {
					errs <- err
				}
				if _, err := svc.RevokeForGrant(ctx, "gc", "system", ""); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		st, err := svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, workers, st.Total)
		assert.Equal(t, workers, st.Revoked)
	})
}

package memory_test

import (
	"context"
	"testing"
	"time"

	"patient-access/internal/adapters/storage/memory"
	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/grants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func grant(id string) grants.Grant {
	return grants.Grant{
		ID:                       id,
		PatientID:                "patient-1",
		OrganizationID:           "org-1",
		RequestingPractitionerID: "pr-1",
		Status:                   grants.StatusPending,
		AccessScope:              grants.AccessScope{CanViewMedicalHistory: true},
		TimeWindowHours:          24,
		RequestMetadata:          map[string]any{"reason": "follow-up"},
		CreatedAt:                base,
		UpdatedAt:                base,
		ExpiresAt:                base.Add(24 * time.Hour),
	}
}

func TestGrantsRepo_CreateIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewGrantsRepo()

	g := grant("g1")
	require.NoError(t, repo.Create(ctx, g))
	require.Error(t, repo.Create(ctx, g), "duplicate id")
	require.Error(t, repo.Create(ctx, grants.Grant{}), "empty id")

	g.RequestMetadata["reason"] = "changed"
	got, err := repo.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "follow-up", got.RequestMetadata["reason"])

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, grants.ErrNotFound)
}

func TestGrantsRepo_TransitionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewGrantsRepo()
	require.NoError(t, repo.Create(ctx, grant("g1")))

	next := grant("g1")
	next.Status = grants.StatusActive
	at := base.Add(time.Minute)
	next.GrantedAt = &at
	next.PatientID = "someone-else"
	require.NoError(t, repo.Transition(ctx, grants.StatusPending, next))

	require.ErrorIs(t, repo.Transition(ctx, grants.StatusPending, next), grants.ErrConflict)
	require.ErrorIs(t, repo.Transition(ctx, grants.StatusPending, grant("nope")), grants.ErrNotFound)

	got, err := repo.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, grants.StatusActive, got.Status)
	assert.Equal(t, "patient-1", got.PatientID, "identity is immutable")
	require.NotNil(t, got.GrantedAt)
	assert.True(t, got.GrantedAt.Equal(at))

	require.NoError(t, repo.AttachNotification(ctx, "g1", "job-1"))
	got, _ = repo.GetByID(ctx, "g1")
	assert.Equal(t, "job-1", got.NotificationJobID)
	assert.ErrorIs(t, repo.AttachNotification(ctx, "nope", "job-1"), grants.ErrNotFound)
}

func TestGrantsRepo_ListFilters(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewGrantsRepo()

	a := grant("a")
	b := grant("b")
	b.RequestingPractitionerID = "pr-2"
	b.ExpiresAt = base.Add(time.Hour)
	c := grant("c")
	c.OrganizationID = "org-2"
	c.Status = grants.StatusRevoked
	for _, g := range []grants.Grant{a, b, c} {
		require.NoError(t, repo.Create(ctx, g))
	}

	ids := func(list []grants.Grant) []string {
		out := make([]string, 0, len(list))
		for _, g := range list {
			out = append(out, g.ID)
		}
		return out
	}

	got, err := repo.List(ctx, grants.Filter{PractitionerID: "pr-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	got, err = repo.List(ctx, grants.Filter{PatientID: "patient-1", Statuses: []grants.Status{grants.StatusPending}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(got))

	got, err = repo.List(ctx, grants.Filter{OrganizationID: "org-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))

	got, err = repo.List(ctx, grants.Filter{ExpiresBefore: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestAuditRepo_NewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewAuditRepo()

	require.Error(t, repo.Append(ctx, audit.Entry{Type: audit.EventGrantRequested}))

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, repo.Append(ctx, audit.Entry{ID: id, Type: audit.EventAccessGranted, PatientID: "patient-1", GrantID: "g1"}))
	}
	require.NoError(t, repo.Append(ctx, audit.Entry{ID: "other", Type: audit.EventAccessGranted, PatientID: "patient-2"}))

	got, err := repo.List(ctx, audit.Filter{PatientID: "patient-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	got, err = repo.List(ctx, audit.Filter{GrantID: "g1"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

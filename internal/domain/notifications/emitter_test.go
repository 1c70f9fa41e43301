package notifications_test

import (
	"context"
	"testing"
	"time"

	notifymem "patient-access/internal/adapters/notify/memory"
	"patient-access/internal/domain/grants"
	"patient-access/internal/domain/notifications"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingGrant(hours int) grants.Grant {
	return grants.Grant{
		ID:                       "grant-1",
		PatientID:                "patient-1",
		OrganizationID:           "org-1",
		RequestingPractitionerID: "pr-1",
		Status:                   grants.StatusPending,
		AccessScope:              grants.AccessScope{CanViewMedicalHistory: true, CanViewPrescriptions: true},
		TimeWindowHours:          hours,
		ExpiresAt:                time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, notifications.PriorityUrgent, notifications.PriorityFor(1))
	assert.Equal(t, notifications.PriorityUrgent, notifications.PriorityFor(2))
	assert.Equal(t, notifications.PriorityNormal, notifications.PriorityFor(3))
	assert.Equal(t, notifications.PriorityNormal, notifications.PriorityFor(24))
}

func TestEmitter_Build(t *testing.T) {
	e := notifications.NewEmitter(notifymem.NewQueue(), 0)

	job := e.Build(pendingGrant(1))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, notifications.JobTypeAuthorizationRequest, job.Type)
	assert.Equal(t, notifications.PriorityUrgent, job.Priority)
	assert.Equal(t, "patient-1", job.UserID)
	assert.Equal(t, notifications.JobPending, job.Status)
	assert.Equal(t, notifications.DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, pendingGrant(1).ExpiresAt, job.ExpiresAt)

	assert.Equal(t, "New access request", job.Payload.Title)
	assert.Equal(t, "An organization is requesting access to your medical records for 1 hour.", job.Payload.Body)
	assert.Equal(t, "grant-1", job.Payload.Data["grantId"])
	assert.Equal(t, "org-1", job.Payload.Data["organizationId"])
	assert.Equal(t, "pr-1", job.Payload.Data["requestingPractitionerId"])
	assert.Equal(t, 1, job.Payload.Data["timeWindowHours"])
	assert.Equal(t, "canViewMedicalHistory,canViewPrescriptions", job.Payload.Data["scopes"])

	normal := notifications.NewEmitter(notifymem.NewQueue(), 5).Build(pendingGrant(12))
	assert.Equal(t, notifications.PriorityNormal, normal.Priority)
	assert.Equal(t, 5, normal.MaxRetries)
	assert.Contains(t, normal.Payload.Body, "for 12 hours.")
}

func TestEmitter_NotifyAndComplete(t *testing.T) {
	ctx := context.Background()
	q := notifymem.NewQueue()
	e := notifications.NewEmitter(q, 3)

	id, err := e.NotifyAccessRequest(ctx, pendingGrant(2))
	require.NoError(t, err)

	job, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, notifications.JobPending, job.Status)
	require.Len(t, q.Pending(), 1)

	require.NoError(t, e.CompleteRequest(ctx, id))
	job, _ = q.Get(id)
	assert.Equal(t, notifications.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Empty(t, q.Pending())

	// completar dos veces no es error
	require.NoError(t, e.CompleteRequest(ctx, id))

	assert.ErrorIs(t, e.CompleteRequest(ctx, "missing"), notifications.ErrJobNotFound)
}

func TestMemoryQueue_PendingOrder(t *testing.T) {
	ctx := context.Background()
	q := notifymem.NewQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, j := range []notifications.Job{
		{ID: "normal-old", Priority: notifications.PriorityNormal, CreatedAt: base},
		{ID: "urgent-new", Priority: notifications.PriorityUrgent, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "urgent-old", Priority: notifications.PriorityUrgent, CreatedAt: base.Add(time.Minute)},
	} {
		_, err := q.CreateJob(ctx, j)
		require.NoError(t, err, "job %d", i)
	}

	_, err := q.CreateJob(ctx, notifications.Job{ID: "urgent-old"})
	require.Error(t, err)
	_, err = q.CreateJob(ctx, notifications.Job{})
	require.Error(t, err)

	var ids []string
	for _, j := range q.Pending() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"urgent-old", "urgent-new", "normal-old"}, ids)
}

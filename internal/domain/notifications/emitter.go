package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"patient-access/internal/domain/grants"
	"patient-access/internal/platform/idx"
)

const DefaultMaxRetries = 3

// Emitter traduce un grant PENDING en un job AUTHORIZATION_REQUEST.
type Emitter struct {
	queue      Queue
	maxRetries int
	now        func() time.Time
}

func NewEmitter(q Queue, maxRetries int) *Emitter {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Emitter{
		queue:      q,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// PriorityFor: ventanas cortas son urgentes, el paciente tiene poco tiempo
// para responder.
func PriorityFor(timeWindowHours int) Priority {
	if timeWindowHours <= grants.UrgentWindowHours {
		return PriorityUrgent
	}
	return PriorityNormal
}

func (e *Emitter) Build(g grants.Grant) Job {
	scopes := make([]string, 0, 4)
	for _, sc := range g.AccessScope.Scopes() {
		scopes = append(scopes, string(sc))
	}

	return Job{
		ID:       idx.New(),
		Type:     JobTypeAuthorizationRequest,
		Priority: PriorityFor(g.TimeWindowHours),
		UserID:   g.PatientID,
		Payload: Payload{
			Title: "New access request",
			Body: fmt.Sprintf("An organization is requesting access to your medical records for %d hour%s.",
				g.TimeWindowHours, plural(g.TimeWindowHours)),
			Data: map[string]any{
				"grantId":                  g.ID,
				"organizationId":           g.OrganizationID,
				"requestingPractitionerId": g.RequestingPractitionerID,
				"timeWindowHours":          g.TimeWindowHours,
				"scopes":                   strings.Join(scopes, ","),
			},
		},
		Status:     JobPending,
		MaxRetries: e.maxRetries,
		ExpiresAt:  g.ExpiresAt,
		CreatedAt:  e.now().UTC(),
	}
}

func (e *Emitter) NotifyAccessRequest(ctx context.Context, g grants.Grant) (string, error) {
	return e.queue.CreateJob(ctx, e.Build(g))
}

func (e *Emitter) CompleteRequest(ctx context.Context, jobID string) error {
	return e.queue.CompleteJob(ctx, jobID)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

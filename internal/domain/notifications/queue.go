package notifications

import (
	"context"
	"errors"
)

var ErrJobNotFound = errors.New("notification job not found")

// Queue es la cola de entrega externa.
type Queue interface {
	CreateJob(ctx context.Context, job Job) (string, error)
	CompleteJob(ctx context.Context, jobID string) error
}

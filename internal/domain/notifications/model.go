package notifications

import "time"

type JobType string

const JobTypeAuthorizationRequest JobType = "AUTHORIZATION_REQUEST"

type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityNormal Priority = "NORMAL"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobCompleted JobStatus = "COMPLETED"
)

type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// Job es lo que se entrega a la cola externa. Este servicio no envía
// notificaciones, solo las encola y las marca completadas.
type Job struct {
	ID       string    `json:"id"`
	Type     JobType   `json:"type"`
	Priority Priority  `json:"priority"`
	UserID   string    `json:"userId"`
	Payload  Payload   `json:"payload"`
	Status   JobStatus `json:"status"`

	MaxRetries int       `json:"maxRetries"`
	ExpiresAt  time.Time `json:"expiresAt"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

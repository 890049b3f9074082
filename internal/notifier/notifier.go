package notifier

import (
	"context"
	"time"
)

// EnrollmentEvent describes a committed enrollment grant.
type EnrollmentEvent struct {
	Reference   string    `json:"reference"`
	StudentID   string    `json:"student_id"`
	CourseID    string    `json:"course_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	GrantedVia  string    `json:"granted_via"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Notifier delivers enrollment events after a successful commit. Delivery
// is best-effort: failures are logged by callers and never roll back the
// transaction that produced the event.
type Notifier interface {
	EnrollmentGranted(ctx context.Context, ev EnrollmentEvent) error
}

package notifier

import (
	"context"
	"log"
)

// LogNotifier is used when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) EnrollmentGranted(_ context.Context, ev EnrollmentEvent) error {
	log.Printf("enrollment granted: student=%s course=%s via=%s", ev.StudentID, ev.CourseID, ev.GrantedVia)
	return nil
}

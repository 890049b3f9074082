package domain

import "time"

// GrantedViaFree marks enrollments that were granted without a payment
// attempt because the course is free.
const GrantedViaFree = "free"

type Enrollment struct {
	StudentID  string
	CourseID   string
	GrantedVia string
	CreatedAt  time.Time
}

package domain

import "errors"

var (
	ErrCourseNotFound      = errors.New("course not found")
	ErrAttemptNotFound     = errors.New("payment attempt not found")
	ErrActiveAttemptExists = errors.New("an active payment attempt already exists for this course")
	ErrAlreadyEnrolled     = errors.New("already enrolled in this course")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrForbidden           = errors.New("forbidden")
)

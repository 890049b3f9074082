package domain

import "time"

type AttemptStatus string

const (
	StatusPending   AttemptStatus = "PENDING"
	StatusVerifying AttemptStatus = "VERIFYING"
	StatusSucceeded AttemptStatus = "SUCCEEDED"
	StatusFailed    AttemptStatus = "FAILED"
	StatusExpired   AttemptStatus = "EXPIRED"
	StatusVoided    AttemptStatus = "VOIDED"
)

// History reasons recorded alongside transitions.
const (
	ReasonInitiated           = "initiated"
	ReasonVerifyRequested     = "verify_requested"
	ReasonSettled             = "settled"
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonGatewayDeclined     = "gateway_declined"
	ReasonGatewayRejected     = "gateway_rejected"
	ReasonSessionCreateFailed = "session_create_failed"
	ReasonExpired             = "expired"
	ReasonVoided              = "voided"
)

// transitions is the only legal mutation path for an attempt's status.
// Terminal states have no outgoing edges, which is what makes repeated
// verify calls and late expiry sweeps safe.
var transitions = map[AttemptStatus][]AttemptStatus{
	StatusPending:   {StatusVerifying, StatusFailed, StatusExpired, StatusVoided},
	StatusVerifying: {StatusSucceeded, StatusFailed, StatusExpired, StatusVoided},
}

func CanTransition(from, to AttemptStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusVoided:
		return true
	}
	return false
}

// Transition is one entry in an attempt's append-only status history.
type Transition struct {
	Status AttemptStatus
	Reason string
	At     time.Time
}

// PaymentAttempt is one initiated purchase, keyed by an engine-generated
// reference that is never reused. Amount and currency are snapshotted at
// initiation time and never re-read from the catalog.
type PaymentAttempt struct {
	Reference         string
	StudentID         string
	CourseID          string
	AmountMinor       int64
	Currency          string
	Status            AttemptStatus
	GatewaySessionRef *string
	ManualReview      bool
	CreatedAt         time.Time
	LastTransitionAt  time.Time
	History           []Transition
}

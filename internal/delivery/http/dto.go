package httpd

import (
	"time"

	"github.com/Pheebemi/lms-backend/internal/domain"
)

type InitiatePaymentReq struct {
	CourseID string `json:"courseId" validate:"required"`
}

type InitiatePaymentResp struct {
	Message     string `json:"message"`
	Enrolled    bool   `json:"enrolled"`
	Reference   string `json:"reference,omitempty"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
}

type VerifyPaymentReq struct {
	Reference string `json:"reference" validate:"required"`
}

type WebhookReq struct {
	Event string `json:"event"`
	TxRef string `json:"tx_ref" validate:"required"`
}

type TransitionItem struct {
	Status string    `json:"status"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type AttemptItem struct {
	Reference    string           `json:"reference"`
	CourseID     string           `json:"courseId"`
	Amount       string           `json:"amount"`
	Currency     string           `json:"currency"`
	Status       string           `json:"status"`
	Terminal     bool             `json:"terminal"`
	ManualReview bool             `json:"manualReview,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	History      []TransitionItem `json:"history,omitempty"`
}

type EnrollmentItem struct {
	CourseID   string    `json:"courseId"`
	GrantedVia string    `json:"grantedVia"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

func toAttemptItem(a domain.PaymentAttempt, withHistory bool) AttemptItem {
	item := AttemptItem{
		Reference:    a.Reference,
		CourseID:     a.CourseID,
		Amount:       formatMinorToString(a.AmountMinor),
		Currency:     a.Currency,
		Status:       string(a.Status),
		Terminal:     a.Status.Terminal(),
		ManualReview: a.ManualReview,
		CreatedAt:    a.CreatedAt,
	}

	if withHistory {
		for _, t := range a.History {
			item.History = append(item.History, TransitionItem{
				Status: string(t.Status),
				Reason: t.Reason,
				At:     t.At,
			})
		}
	}

	return item
}

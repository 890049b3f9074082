package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Pheebemi/lms-backend/internal/domain"
	"github.com/Pheebemi/lms-backend/internal/gateway"
	"github.com/Pheebemi/lms-backend/internal/notifier"
	"github.com/Pheebemi/lms-backend/internal/repository"
)

// Engine reconciles external payment events into enrollment decisions.
// Every trigger (redirect, webhook, polling sweep) funnels into the same
// reentrant Verify; the gateway, not the caller, is the source of truth.
type Engine struct {
	repo      *repository.SQLiteRepo
	gateway   gateway.Client
	notifier  notifier.Notifier
	returnURL string
	expiry    time.Duration
}

func NewEngine(repo *repository.SQLiteRepo, gw gateway.Client, n notifier.Notifier, returnURL string, expiry time.Duration) *Engine {
	return &Engine{
		repo:      repo,
		gateway:   gw,
		notifier:  n,
		returnURL: returnURL,
		expiry:    expiry,
	}
}

// InitiateResult is what a purchase request produces: either a direct
// enrollment (free course) or a pending attempt with a checkout URL.
type InitiateResult struct {
	Enrolled    bool
	Reference   string
	CheckoutURL string
	Attempt     *domain.PaymentAttempt
}

func newReference() string {
	return "LMS-" + uuid.New().String()
}

// InitiatePurchase creates a PENDING attempt and asks the gateway for a
// hosted checkout session. Free courses bypass the ledger entirely and get
// an idempotent direct grant.
func (e *Engine) InitiatePurchase(ctx context.Context, studentID, courseID string) (*InitiateResult, error) {
	course, err := e.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if course.IsFree {
		if _, err := e.repo.EnsureEnrollment(ctx, studentID, courseID, domain.GrantedViaFree); err != nil {
			return nil, err
		}
		return &InitiateResult{Enrolled: true}, nil
	}

	enrolled, err := e.repo.IsEnrolled(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	if enrolled {
		return nil, domain.ErrAlreadyEnrolled
	}

	now := time.Now()
	attempt := &domain.PaymentAttempt{
		Reference:        newReference(),
		StudentID:        studentID,
		CourseID:         courseID,
		AmountMinor:      course.PriceMinor,
		Currency:         course.Currency,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	if err := e.repo.BeginAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	// The reference is persisted before the gateway call, so a crash here
	// cannot orphan money.
	sess, err := e.gateway.CreateSession(ctx, gateway.CreateSessionParams{
		Reference:   attempt.Reference,
		AmountMinor: attempt.AmountMinor,
		Currency:    attempt.Currency,
		ReturnURL:   e.returnURL,
	})
	if err != nil {
		if _, terr := e.repo.AppendTransition(ctx, attempt.Reference, domain.StatusFailed, domain.ReasonSessionCreateFailed); terr != nil {
			log.Printf("mark attempt %s failed after session error: %v", attempt.Reference, terr)
		}
		return nil, fmt.Errorf("create gateway session: %w", err)
	}

	if err := e.repo.SetSessionRef(ctx, attempt.Reference, sess.SessionRef); err != nil {
		return nil, err
	}

	attempt, err = e.repo.GetByReference(ctx, attempt.Reference)
	if err != nil {
		return nil, err
	}

	return &InitiateResult{
		Reference:   attempt.Reference,
		CheckoutURL: sess.CheckoutURL,
		Attempt:     attempt,
	}, nil
}

// ActiveAttempt returns the caller's PENDING/VERIFYING attempt for a
// course, if any. Used to let a duplicate initiate resume the existing
// checkout instead of getting a bare conflict.
func (e *Engine) ActiveAttempt(ctx context.Context, studentID, courseID string) (*domain.PaymentAttempt, error) {
	return e.repo.FindActive(ctx, studentID, courseID)
}

// Verify re-queries the gateway for ground truth and applies the state
// machine. It is safe to call any number of times from any trigger: once an
// attempt is terminal the recorded result is returned without touching the
// gateway or the ledger.
func (e *Engine) Verify(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	a, err := e.repo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	if a.Status.Terminal() {
		log.Printf("verify on terminal attempt %s (%s): returning recorded result", reference, a.Status)
		return a, nil
	}

	if a.Status == domain.StatusPending {
		a, err = e.repo.AppendTransition(ctx, reference, domain.StatusVerifying, domain.ReasonVerifyRequested)
		if errors.Is(err, domain.ErrIllegalTransition) {
			// A concurrent caller reached a terminal state first.
			return e.repo.GetByReference(ctx, reference)
		}
		if err != nil {
			return nil, err
		}
	}

	// No ledger locks are held across the network call.
	res, err := e.gateway.FetchStatus(ctx, reference)
	if err != nil {
		if gateway.IsTransient(err) {
			// Fail closed: the attempt stays VERIFYING and the caller
			// retries later.
			return a, err
		}
		return e.transition(ctx, reference, domain.StatusFailed, domain.ReasonGatewayRejected)
	}

	switch res.Status {
	case gateway.StatusSettled:
		if res.AmountMinor != a.AmountMinor || res.Currency != a.Currency {
			log.Printf("amount mismatch on %s: settled %d %s, expected %d %s",
				reference, res.AmountMinor, res.Currency, a.AmountMinor, a.Currency)
			return e.transition(ctx, reference, domain.StatusFailed, domain.ReasonAmountMismatch)
		}
		return e.commitSuccess(ctx, reference)

	case gateway.StatusFailed:
		return e.transition(ctx, reference, domain.StatusFailed, domain.ReasonGatewayDeclined)

	default:
		// PENDING or NOT_FOUND: nothing settled yet, retry later.
		return a, nil
	}
}

func (e *Engine) transition(ctx context.Context, reference string, to domain.AttemptStatus, reason string) (*domain.PaymentAttempt, error) {
	a, err := e.repo.AppendTransition(ctx, reference, to, reason)
	if errors.Is(err, domain.ErrIllegalTransition) {
		log.Printf("transition %s -> %s rejected, returning current state", reference, to)
		return e.repo.GetByReference(ctx, reference)
	}
	return a, err
}

func (e *Engine) commitSuccess(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	created, a, err := e.repo.CommitSuccess(ctx, reference, domain.ReasonSettled)
	if errors.Is(err, domain.ErrIllegalTransition) {
		// Expiry or void won the race; settlement arrives too late and the
		// row stays terminal.
		log.Printf("settlement on %s lost to a terminal transition", reference)
		return e.repo.GetByReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}

	if created {
		e.notify(a)
	}
	return a, nil
}

// notify is fire-and-forget: a delivery failure is logged and never rolls
// back the committed enrollment.
func (e *Engine) notify(a *domain.PaymentAttempt) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ev := notifier.EnrollmentEvent{
			Reference:   a.Reference,
			StudentID:   a.StudentID,
			CourseID:    a.CourseID,
			AmountMinor: a.AmountMinor,
			Currency:    a.Currency,
			GrantedVia:  a.Reference,
			GrantedAt:   a.LastTransitionAt,
		}
		if err := e.notifier.EnrollmentGranted(ctx, ev); err != nil {
			log.Printf("enrollment notification for %s failed: %v", a.Reference, err)
		}
	}()
}

// Void is the administrative escape hatch for non-terminal attempts.
func (e *Engine) Void(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	return e.repo.AppendTransition(ctx, reference, domain.StatusVoided, domain.ReasonVoided)
}

// ExpireStale sweeps attempts that outlived the expiry window, releasing
// their active-attempt slot so the student can try again.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	return e.repo.ExpireStale(ctx, time.Now().Add(-e.expiry))
}

// Status returns one attempt, scoped to its owner unless the caller may
// view any payment.
func (e *Engine) Status(ctx context.Context, reference, callerID string, role domain.Role) (*domain.PaymentAttempt, error) {
	a, err := e.repo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	if a.StudentID != callerID && !domain.Can(role, domain.PermViewAnyPayment) {
		return nil, domain.ErrForbidden
	}
	return a, nil
}

func (e *Engine) History(ctx context.Context, studentID string) ([]domain.PaymentAttempt, error) {
	return e.repo.ListByStudent(ctx, studentID)
}

func (e *Engine) Enrollments(ctx context.Context, studentID string) ([]domain.Enrollment, error) {
	return e.repo.ListEnrollments(ctx, studentID)
}

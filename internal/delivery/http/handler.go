package httpd

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/Pheebemi/lms-backend/internal/domain"
	"github.com/Pheebemi/lms-backend/internal/gateway"
	"github.com/Pheebemi/lms-backend/internal/usecase"
)

type Handler struct {
	engine   *usecase.Engine
	validate *validator.Validate
}

func NewHandler(engine *usecase.Engine) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
	}
}

type RouteConfig struct {
	JWTSecret      string
	WebhookSig     SigConfig
	AllowedOrigins []string
}

func (h *Handler) Routes(cfg RouteConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/v1/healthz", h.Healthz)

	// Gateway webhook: HMAC-signed, no user auth.
	r.With(SignatureMiddleware(cfg.WebhookSig)).Post("/api/v1/payments/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Post("/api/v1/payments/initiate", h.InitiatePayment)
		r.Post("/api/v1/payments/verify", h.VerifyPayment)
		r.Get("/api/v1/payments/history", h.PaymentHistory)
		r.Get("/api/v1/payments/{reference}/status", h.PaymentStatus)
		r.Get("/api/v1/enrollments", h.Enrollments)

		r.With(RequirePermission(domain.PermVoidPayment)).
			Post("/api/v1/payments/{reference}/void", h.VoidPayment)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// POST /api/v1/payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	studentID := callerID(r)
	res, err := h.engine.InitiatePurchase(r.Context(), studentID, req.CourseID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCourseNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "course not found"})
		case errors.Is(err, domain.ErrAlreadyEnrolled):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "already enrolled in this course"})
		case errors.Is(err, domain.ErrActiveAttemptExists):
			h.writeActiveConflict(w, r, studentID, req.CourseID)
		case gateway.IsTransient(err):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment gateway unavailable, try again later"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	if res.Enrolled {
		writeJSON(w, http.StatusOK, InitiatePaymentResp{
			Message:  "enrolled in free course",
			Enrolled: true,
		})
		return
	}

	writeJSON(w, http.StatusOK, InitiatePaymentResp{
		Message:     "payment initiated",
		Reference:   res.Reference,
		CheckoutURL: res.CheckoutURL,
	})
}

// writeActiveConflict includes the existing attempt's reference so the
// client can resume or verify it instead of being stuck.
func (h *Handler) writeActiveConflict(w http.ResponseWriter, r *http.Request, studentID, courseID string) {
	body := map[string]string{"error": "an active payment attempt already exists for this course"}
	if existing, err := h.engine.ActiveAttempt(r.Context(), studentID, courseID); err == nil {
		body["reference"] = existing.Reference
	}
	writeJSON(w, http.StatusConflict, body)
}

// POST /api/v1/payments/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.runVerify(w, r, req.Reference)
}

// POST /api/v1/payments/webhook
//
// The webhook payload is only a trigger; it funnels into the same Verify
// call that the redirect and the sweep use.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	log.Printf("webhook received: event=%s tx_ref=%s", req.Event, req.TxRef)
	h.runVerify(w, r, req.TxRef)
}

func (h *Handler) runVerify(w http.ResponseWriter, r *http.Request, reference string) {
	a, err := h.engine.Verify(r.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAttemptNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment attempt not found"})
		case gateway.IsTransient(err):
			// The attempt stays VERIFYING; the client should retry.
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":     "payment gateway unavailable, retry verification later",
				"reference": reference,
				"status":    string(a.Status),
			})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, toAttemptItem(*a, true))
}

// GET /api/v1/payments/history
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.History(r.Context(), callerID(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]AttemptItem, 0, len(items))
	for _, a := range items {
		out = append(out, toAttemptItem(a, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out, "total": len(out)})
}

// GET /api/v1/payments/{reference}/status
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	a, err := h.engine.Status(r.Context(), ref, callerID(r), callerRole(r))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAttemptNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment attempt not found"})
		case errors.Is(err, domain.ErrForbidden):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, toAttemptItem(*a, true))
}

// POST /api/v1/payments/{reference}/void
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	a, err := h.engine.Void(r.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAttemptNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment attempt not found"})
		case errors.Is(err, domain.ErrIllegalTransition):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "attempt is already terminal"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, toAttemptItem(*a, true))
}

// GET /api/v1/enrollments
func (h *Handler) Enrollments(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Enrollments(r.Context(), callerID(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]EnrollmentItem, 0, len(items))
	for _, e := range items {
		out = append(out, EnrollmentItem{
			CourseID:   e.CourseID,
			GrantedVia: e.GrantedVia,
			EnrolledAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": out, "total": len(out)})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func formatMinorToString(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	intPart := minor / 100
	decPart := minor % 100
	return sign + strconv.FormatInt(intPart, 10) + "." + twoDigits(int(decPart))
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

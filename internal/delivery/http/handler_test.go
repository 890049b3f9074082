package httpd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Pheebemi/lms-backend/internal/domain"
	"github.com/Pheebemi/lms-backend/internal/gateway"
	"github.com/Pheebemi/lms-backend/internal/notifier"
	"github.com/Pheebemi/lms-backend/internal/repository"
	"github.com/Pheebemi/lms-backend/internal/usecase"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testSigSecret  = "test-sig-secret"
	testCoursePaid = "go-101"
	testCourseFree = "free-101"
)

type fakeGateway struct {
	status *gateway.StatusResult
	err    error
}

func (f *fakeGateway) CreateSession(ctx context.Context, p gateway.CreateSessionParams) (*gateway.Session, error) {
	return &gateway.Session{CheckoutURL: "https://checkout.example/" + p.Reference, SessionRef: "gw-1"}, nil
}

func (f *fakeGateway) FetchStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.status != nil {
		return f.status, nil
	}
	return &gateway.StatusResult{Status: gateway.StatusPending}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeGateway) {
	t.Helper()

	repo, err := repository.NewSQLiteRepo(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	repo.CreateCourse(ctx, &domain.Course{ID: testCoursePaid, Title: "Intro to Go", PriceMinor: 500000, Currency: "NGN"})
	repo.CreateCourse(ctx, &domain.Course{ID: testCourseFree, Title: "Free Starter", IsFree: true, Currency: "NGN"})

	gw := &fakeGateway{}
	engine := usecase.NewEngine(repo, gw, notifier.LogNotifier{}, "http://localhost:5173/payment/callback", 30*time.Minute)

	h := NewHandler(engine)
	srv := httptest.NewServer(h.Routes(RouteConfig{
		JWTSecret:      testJWTSecret,
		WebhookSig:     SigConfig{Secret: testSigSecret, MaxAgeSeconds: 300},
		AllowedOrigins: []string{"http://localhost:5173"},
	}))
	t.Cleanup(srv.Close)

	return srv, gw
}

func signToken(t *testing.T, sub string, role domain.Role) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestInitiateRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", "", InitiatePaymentReq{CourseID: testCoursePaid})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestInitiateAndConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	ref, _ := body["reference"].(string)
	if ref == "" {
		t.Fatalf("missing reference: %v", body)
	}
	if u, _ := body["checkoutUrl"].(string); u == "" {
		t.Fatalf("missing checkout url: %v", body)
	}

	// Second initiate conflicts and surfaces the existing reference.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if got, _ := body["reference"].(string); got != ref {
		t.Fatalf("conflict reference = %q, want %q", got, ref)
	}
}

func TestInitiateFreeCourse(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCourseFree})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if enrolled, _ := body["enrolled"].(bool); !enrolled {
		t.Fatalf("expected direct enrollment: %v", body)
	}
}

func TestInitiateUnknownCourse(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVerifyFlow(t *testing.T) {
	srv, gw := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})
	ref := body["reference"].(string)

	gw.status = &gateway.StatusResult{Status: gateway.StatusSettled, AmountMinor: 500000, Currency: "NGN"}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/verify", token, VerifyPaymentReq{Reference: ref})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if got, _ := body["status"].(string); got != string(domain.StatusSucceeded) {
		t.Fatalf("attempt status = %q, want SUCCEEDED", got)
	}

	// Verify is idempotent over HTTP too.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/verify", token, VerifyPaymentReq{Reference: ref})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d", resp.StatusCode)
	}
	if got, _ := body["status"].(string); got != string(domain.StatusSucceeded) {
		t.Fatalf("repeat attempt status = %q", got)
	}

	// Enrollment shows up for the student.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/enrollments", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enrollments status = %d", resp.StatusCode)
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Fatalf("enrollments total = %v, want 1", body["total"])
	}
}

func TestVerifyTransientGatewayError(t *testing.T) {
	srv, gw := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})
	ref := body["reference"].(string)

	gw.err = &gateway.GatewayError{Op: "fetch_status", Transient: true, Err: fmt.Errorf("timeout")}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/verify", token, VerifyPaymentReq{Reference: ref})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got, _ := body["status"].(string); got != string(domain.StatusVerifying) {
		t.Fatalf("attempt status = %q, want VERIFYING", got)
	}
}

func TestStatusOwnership(t *testing.T) {
	srv, _ := newTestServer(t)
	owner := signToken(t, "s1", domain.RoleStudent)
	other := signToken(t, "s2", domain.RoleStudent)
	admin := signToken(t, "a1", domain.RoleAdmin)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", owner, InitiatePaymentReq{CourseID: testCoursePaid})
	ref := body["reference"].(string)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/"+ref+"/status", owner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/"+ref+"/status", other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other student status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/"+ref+"/status", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
}

func TestVoidRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	student := signToken(t, "s1", domain.RoleStudent)
	admin := signToken(t, "a1", domain.RoleAdmin)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", student, InitiatePaymentReq{CourseID: testCoursePaid})
	ref := body["reference"].(string)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/"+ref+"/void", student, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student void status = %d, want 403", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/"+ref+"/void", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin void status = %d, body = %v", resp.StatusCode, body)
	}
	if got, _ := body["status"].(string); got != string(domain.StatusVoided) {
		t.Fatalf("status = %q, want VOIDED", got)
	}
}

func TestPaymentHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)
	otherToken := signToken(t, "s2", domain.RoleStudent)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/history", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", body["total"])
	}

	// History is scoped to the caller.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/history", otherToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if total, _ := body["total"].(float64); total != 0 {
		t.Fatalf("other student total = %v, want 0", body["total"])
	}
}

func signWebhook(t *testing.T, body []byte) (sig, ts string) {
	t.Helper()

	ts = strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSigSecret))
	mac.Write(append(body, []byte("."+ts)...))
	return hex.EncodeToString(mac.Sum(nil)), ts
}

func TestWebhookSignature(t *testing.T) {
	srv, gw := newTestServer(t)
	token := signToken(t, "s1", domain.RoleStudent)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/initiate", token, InitiatePaymentReq{CourseID: testCoursePaid})
	ref := body["reference"].(string)

	gw.status = &gateway.StatusResult{Status: gateway.StatusSettled, AmountMinor: 500000, Currency: "NGN"}

	payload, _ := json.Marshal(WebhookReq{Event: "charge.completed", TxRef: ref})

	// Unsigned delivery is rejected.
	resp, err := http.Post(srv.URL+"/api/v1/payments/webhook", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook status = %d, want 401", resp.StatusCode)
	}

	// Signed delivery funnels into verify.
	sig, ts := signWebhook(t, payload)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed webhook status = %d", resp.StatusCode)
	}

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if got, _ := out["status"].(string); got != string(domain.StatusSucceeded) {
		t.Fatalf("webhook verify status = %q, want SUCCEEDED", got)
	}
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Pheebemi/lms-backend/internal/domain"

	_ "modernc.org/sqlite"
)

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(dsn string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA foreign_keys = ON;")
	db.Exec("PRAGMA journal_mode = WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")

	// Read-then-write transactions on concurrent connections can fail with
	// SQLITE_BUSY before busy_timeout applies. A single connection keeps
	// every transaction serializable.
	db.SetMaxOpenConns(1)

	r := &SQLiteRepo{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS courses(
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			price_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			is_free INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payment_attempts(
			reference TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			gateway_session_ref TEXT,
			manual_review INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_transition_at TEXT NOT NULL
		);

		-- One active attempt per (student, course). The partial index makes
		-- concurrent initiations a constraint violation, not a read-then-write
		-- race.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_attempt_active
			ON payment_attempts(student_id, course_id)
			WHERE status IN ('PENDING', 'VERIFYING');

		CREATE INDEX IF NOT EXISTS idx_attempt_student ON payment_attempts(student_id);
		CREATE INDEX IF NOT EXISTS idx_attempt_status ON payment_attempts(status);

		CREATE TABLE IF NOT EXISTS payment_transitions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reference TEXT NOT NULL REFERENCES payment_attempts(reference),
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transition_reference ON payment_transitions(reference);

		CREATE TABLE IF NOT EXISTS enrollments(
			student_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			granted_via TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(student_id, course_id)
		);
	`
	_, err := r.db.Exec(schema)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- courses ---

func (r *SQLiteRepo) CreateCourse(ctx context.Context, c *domain.Course) error {
	q := `INSERT OR IGNORE INTO courses(id, title, price_minor, currency, is_free) VALUES(?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.Title, c.PriceMinor, c.Currency, boolToInt(c.IsFree))
	return err
}

func (r *SQLiteRepo) GetCourse(ctx context.Context, id string) (*domain.Course, error) {
	q := `SELECT id, title, price_minor, currency, is_free FROM courses WHERE id = ?`

	var c domain.Course
	var isFree int
	err := r.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Title, &c.PriceMinor, &c.Currency, &isFree)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCourseNotFound
		}
		return nil, err
	}

	c.IsFree = isFree != 0
	return &c, nil
}

// --- payment attempts ---

// BeginAttempt inserts a new PENDING attempt and its initial history entry.
// A second active attempt for the same (student, course) fails the partial
// unique index and surfaces as ErrActiveAttemptExists.
func (r *SQLiteRepo) BeginAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := `
		INSERT INTO payment_attempts(
			reference, student_id, course_id, amount_minor, currency,
			status, gateway_session_ref, manual_review, created_at, last_transition_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err = tx.ExecContext(ctx, q,
		a.Reference, a.StudentID, a.CourseID, a.AmountMinor, a.Currency,
		string(a.Status), a.GatewaySessionRef, fmtTime(a.CreatedAt), fmtTime(a.LastTransitionAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrActiveAttemptExists
		}
		return err
	}

	if err := insertTransition(ctx, tx, a.Reference, a.Status, domain.ReasonInitiated, a.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *SQLiteRepo) SetSessionRef(ctx context.Context, reference, sessionRef string) error {
	q := `UPDATE payment_attempts SET gateway_session_ref = ? WHERE reference = ?`
	res, err := r.db.ExecContext(ctx, q, sessionRef, reference)
	if err != nil {
		return err
	}

	if aff, _ := res.RowsAffected(); aff == 0 {
		return domain.ErrAttemptNotFound
	}
	return nil
}

const attemptCols = `
	reference, student_id, course_id, amount_minor, currency,
	status, gateway_session_ref, manual_review, created_at, last_transition_at
`

func (r *SQLiteRepo) GetByReference(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	q := `SELECT ` + attemptCols + ` FROM payment_attempts WHERE reference = ?`

	a, err := scanAttempt(r.db.QueryRowContext(ctx, q, reference))
	if err != nil {
		return nil, err
	}

	history, err := r.loadHistory(ctx, reference)
	if err != nil {
		return nil, err
	}

	a.History = history
	return a, nil
}

func (r *SQLiteRepo) loadHistory(ctx context.Context, reference string) ([]domain.Transition, error) {
	q := `SELECT status, reason, at FROM payment_transitions WHERE reference = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, q, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.Transition
	for rows.Next() {
		var status, reason, atStr string
		if err := rows.Scan(&status, &reason, &atStr); err != nil {
			return nil, err
		}

		at, err := parseTime(atStr)
		if err != nil {
			return nil, fmt.Errorf("parse transition time: %w", err)
		}

		history = append(history, domain.Transition{
			Status: domain.AttemptStatus(status),
			Reason: reason,
			At:     at,
		})
	}

	return history, rows.Err()
}

// AppendTransition moves an attempt to a new status if the transition table
// allows it, appending the history entry in the same transaction. A reason
// of amount_mismatch also flags the row for manual review.
func (r *SQLiteRepo) AppendTransition(ctx context.Context, reference string, to domain.AttemptStatus, reason string) (*domain.PaymentAttempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := currentStatus(ctx, tx, reference)
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(cur, to) {
		return nil, domain.ErrIllegalTransition
	}

	now := time.Now()
	review := 0
	if reason == domain.ReasonAmountMismatch {
		review = 1
	}

	q := `UPDATE payment_attempts SET status = ?, manual_review = manual_review | ?, last_transition_at = ? WHERE reference = ?`
	if _, err := tx.ExecContext(ctx, q, string(to), review, fmtTime(now), reference); err != nil {
		return nil, err
	}

	if err := insertTransition(ctx, tx, reference, to, reason, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByReference(ctx, reference)
}

// CommitSuccess is the single atomic unit for settlement: the transition to
// SUCCEEDED and the enrollment insert commit together or not at all. It
// returns created=false when the attempt was already SUCCEEDED, so a caller
// that loses a concurrent race observes the terminal state instead of
// enrolling twice.
func (r *SQLiteRepo) CommitSuccess(ctx context.Context, reference, reason string) (bool, *domain.PaymentAttempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	cur, err := currentStatus(ctx, tx, reference)
	if err != nil {
		return false, nil, err
	}

	if cur == domain.StatusSucceeded {
		tx.Rollback()
		a, err := r.GetByReference(ctx, reference)
		return false, a, err
	}

	if !domain.CanTransition(cur, domain.StatusSucceeded) {
		return false, nil, domain.ErrIllegalTransition
	}

	var studentID, courseID string
	err = tx.QueryRowContext(ctx,
		`SELECT student_id, course_id FROM payment_attempts WHERE reference = ?`, reference,
	).Scan(&studentID, &courseID)
	if err != nil {
		return false, nil, err
	}

	now := time.Now()

	q := `UPDATE payment_attempts SET status = ?, last_transition_at = ? WHERE reference = ?`
	if _, err := tx.ExecContext(ctx, q, string(domain.StatusSucceeded), fmtTime(now), reference); err != nil {
		return false, nil, err
	}

	if err := insertTransition(ctx, tx, reference, domain.StatusSucceeded, reason, now); err != nil {
		return false, nil, err
	}

	// Enrollment uniqueness is the backstop: if the row already exists the
	// insert is a no-op and the settlement still records.
	eq := `
		INSERT INTO enrollments(student_id, course_id, granted_via, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(student_id, course_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, eq, studentID, courseID, reference, fmtTime(now)); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}

	a, err := r.GetByReference(ctx, reference)
	return true, a, err
}

func (r *SQLiteRepo) FindActive(ctx context.Context, studentID, courseID string) (*domain.PaymentAttempt, error) {
	q := `
		SELECT ` + attemptCols + `
		FROM payment_attempts
		WHERE student_id = ? AND course_id = ? AND status IN ('PENDING', 'VERIFYING')
	`
	return scanAttempt(r.db.QueryRowContext(ctx, q, studentID, courseID))
}

func (r *SQLiteRepo) ListByStudent(ctx context.Context, studentID string) ([]domain.PaymentAttempt, error) {
	q := `SELECT ` + attemptCols + ` FROM payment_attempts WHERE student_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}

	return res, rows.Err()
}

// ExpireStale moves attempts stuck in PENDING or VERIFYING past the cutoff
// to EXPIRED. Each row goes through AppendTransition, so a settlement that
// commits between the scan and the sweep wins and the stale expiry is
// rejected.
func (r *SQLiteRepo) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	q := `
		SELECT reference FROM payment_attempts
		WHERE status IN ('PENDING', 'VERIFYING') AND last_transition_at < ?
	`
	rows, err := r.db.QueryContext(ctx, q, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return 0, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, ref := range refs {
		_, err := r.AppendTransition(ctx, ref, domain.StatusExpired, domain.ReasonExpired)
		if errors.Is(err, domain.ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}

	return expired, nil
}

// --- enrollments ---

// EnsureEnrollment grants access idempotently. created reports whether this
// call inserted the row.
func (r *SQLiteRepo) EnsureEnrollment(ctx context.Context, studentID, courseID, grantedVia string) (bool, error) {
	q := `
		INSERT INTO enrollments(student_id, course_id, granted_via, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(student_id, course_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, q, studentID, courseID, grantedVia, fmtTime(time.Now()))
	if err != nil {
		return false, err
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (r *SQLiteRepo) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM enrollments WHERE student_id = ? AND course_id = ?`,
		studentID, courseID,
	).Scan(&n)
	return n > 0, err
}

func (r *SQLiteRepo) ListEnrollments(ctx context.Context, studentID string) ([]domain.Enrollment, error) {
	q := `SELECT student_id, course_id, granted_via, created_at FROM enrollments WHERE student_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		var createdStr string
		if err := rows.Scan(&e.StudentID, &e.CourseID, &e.GrantedVia, &createdStr); err != nil {
			return nil, err
		}

		created, err := parseTime(createdStr)
		if err != nil {
			return nil, fmt.Errorf("parse enrollment time: %w", err)
		}
		e.CreatedAt = created

		res = append(res, e)
	}

	return res, rows.Err()
}

func (r *SQLiteRepo) CountEnrollments(ctx context.Context, courseID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM enrollments WHERE course_id = ?`, courseID,
	).Scan(&n)
	return n, err
}

// --- helpers ---

func insertTransition(ctx context.Context, tx *sql.Tx, reference string, status domain.AttemptStatus, reason string, at time.Time) error {
	q := `INSERT INTO payment_transitions(reference, status, reason, at) VALUES(?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q, reference, string(status), reason, fmtTime(at))
	return err
}

func currentStatus(ctx context.Context, tx *sql.Tx, reference string) (domain.AttemptStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM payment_attempts WHERE reference = ?`, reference,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrAttemptNotFound
		}
		return "", err
	}
	return domain.AttemptStatus(status), nil
}

func scanAttempt(scanner interface {
	Scan(dest ...any) error
}) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var status, createdStr, transStr string
	var sessionRef *string
	var review int

	if err := scanner.Scan(
		&a.Reference,
		&a.StudentID,
		&a.CourseID,
		&a.AmountMinor,
		&a.Currency,
		&status,
		&sessionRef,
		&review,
		&createdStr,
		&transStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}

	a.Status = domain.AttemptStatus(status)
	a.GatewaySessionRef = sessionRef
	a.ManualReview = review != 0

	created, err := parseTime(createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created time: %w", err)
	}
	a.CreatedAt = created

	trans, err := parseTime(transStr)
	if err != nil {
		return nil, fmt.Errorf("parse transition time: %w", err)
	}
	a.LastTransitionAt = trans

	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

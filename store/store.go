// Package store persists the local mirror of CRM tasks, invitations, the
// guest-to-telegram mapping and form sessions. Every mutation is a single
// idempotent write keyed by one id; multi-step transitions are sequenced as
// independent idempotent writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Task is the locally mirrored CRM task.
type Task struct {
	TaskID              int64          `db:"task_id"`
	TaskNumber          sql.NullString `db:"task_number"`
	VenueName           string         `db:"venue_name"`
	VenueAddress        sql.NullString `db:"venue_address"`
	VisitDate           sql.NullTime   `db:"visit_date"`
	Deadline            time.Time      `db:"deadline"`
	Status              string         `db:"status"`
	AssignedGuestID     sql.NullInt64  `db:"assigned_guest_id"`
	AssignmentChatID    sql.NullInt64  `db:"assignment_chat_id"`
	AssignmentMessageID sql.NullInt64  `db:"assignment_message_id"`
	DeadlineNotified    bool           `db:"deadline_notified"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// Invitation records one invite message sent to a guest for a task.
type Invitation struct {
	ID             int64        `db:"id"`
	TaskID         int64        `db:"task_id"`
	GuestPlanfixID int64        `db:"guest_planfix_id"`
	TelegramID     int64        `db:"telegram_id"`
	ChatID         int64        `db:"chat_id"`
	MessageID      int64        `db:"message_id"`
	SentAt         time.Time    `db:"sent_at"`
	WithdrawnAt    sql.NullTime `db:"withdrawn_at"`
}

// GuestMapping links a CRM contact to a Telegram account.
type GuestMapping struct {
	PlanfixContactID int64          `db:"planfix_contact_id"`
	TelegramID       int64          `db:"telegram_id"`
	Username         sql.NullString `db:"username"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// FormSession tracks one guest's pass through a feedback form.
type FormSession struct {
	SessionID      uuid.UUID      `db:"session_id"`
	TaskID         int64          `db:"task_id"`
	GuestPlanfixID int64          `db:"guest_planfix_id"`
	Form           string         `db:"form"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Score          sql.NullInt64  `db:"score"`
	Summary        sql.NullString `db:"summary"`
	Payload        []byte         `db:"payload"`
	CreatedAt      time.Time      `db:"created_at"`
}

// Store is the Postgres-backed mirror.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// UpsertTask inserts or refreshes the mirrored task row.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	const q = `
		INSERT INTO tasks (task_id, task_number, venue_name, venue_address, visit_date, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			task_number = EXCLUDED.task_number,
			venue_name = EXCLUDED.venue_name,
			venue_address = EXCLUDED.venue_address,
			visit_date = EXCLUDED.visit_date,
			deadline = EXCLUDED.deadline,
			status = EXCLUDED.status,
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q,
		t.TaskID, t.TaskNumber, t.VenueName, t.VenueAddress, t.VisitDate, t.Deadline, t.Status)
	return err
}

// GetTask loads a mirrored task.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTaskStatus overwrites the task status.
func (s *Store) SetTaskStatus(ctx context.Context, taskID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE task_id = $1`,
		taskID, status)
	return err
}

// AssignGuest pins a guest to a task.
func (s *Store) AssignGuest(ctx context.Context, taskID, guestPlanfixID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_guest_id = $2, updated_at = now() WHERE task_id = $1`,
		taskID, guestPlanfixID)
	return err
}

// SetTaskDeadline overwrites the task deadline and re-arms the sweep flag.
func (s *Store) SetTaskDeadline(ctx context.Context, taskID int64, deadline time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deadline = $2, deadline_notified = FALSE, updated_at = now() WHERE task_id = $1`,
		taskID, deadline)
	return err
}

// SetAssignmentMessage records the chat message that carries the task invite,
// so it can be removed after the form is submitted.
func (s *Store) SetAssignmentMessage(ctx context.Context, taskID, chatID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignment_chat_id = $2, assignment_message_id = $3, updated_at = now()
		 WHERE task_id = $1`,
		taskID, chatID, messageID)
	return err
}

// ClearAssignmentMessage forgets the invite message after it is removed.
func (s *Store) ClearAssignmentMessage(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignment_chat_id = NULL, assignment_message_id = NULL, updated_at = now()
		 WHERE task_id = $1`,
		taskID)
	return err
}

// RecordInvitation stores one sent invite.
func (s *Store) RecordInvitation(ctx context.Context, inv Invitation) error {
	const q = `
		INSERT INTO invitations (task_id, guest_planfix_id, telegram_id, chat_id, message_id)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, q,
		inv.TaskID, inv.GuestPlanfixID, inv.TelegramID, inv.ChatID, inv.MessageID)
	return err
}

// WithdrawInvitations marks all open invitations of a task as withdrawn.
func (s *Store) WithdrawInvitations(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET withdrawn_at = now() WHERE task_id = $1 AND withdrawn_at IS NULL`,
		taskID)
	return err
}

// WithdrawInvitation marks one invite message as withdrawn.
func (s *Store) WithdrawInvitation(ctx context.Context, taskID, chatID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET withdrawn_at = now()
		 WHERE task_id = $1 AND chat_id = $2 AND message_id = $3 AND withdrawn_at IS NULL`,
		taskID, chatID, messageID)
	return err
}

// WithdrawInvitationsExcept withdraws every open invitation of a task except
// the one carried by the given chat message.
func (s *Store) WithdrawInvitationsExcept(ctx context.Context, taskID, chatID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET withdrawn_at = now()
		 WHERE task_id = $1 AND withdrawn_at IS NULL
		   AND NOT (chat_id = $2 AND message_id = $3)`,
		taskID, chatID, messageID)
	return err
}

// OpenInvitations lists invitations of a task not yet withdrawn.
func (s *Store) OpenInvitations(ctx context.Context, taskID int64) ([]Invitation, error) {
	var list []Invitation
	err := s.db.SelectContext(ctx, &list,
		`SELECT * FROM invitations WHERE task_id = $1 AND withdrawn_at IS NULL ORDER BY id`,
		taskID)
	return list, err
}

// UpsertGuestMapping links a CRM contact to a Telegram account, refreshing
// the username on repeat registrations. A Telegram account re-registered
// under a different contact drops its stale row first; both telegram_id and
// planfix_contact_id stay unique.
func (s *Store) UpsertGuestMapping(ctx context.Context, contactID, telegramID int64, username string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM guest_telegram_map WHERE telegram_id = $2 AND planfix_contact_id <> $1`,
		contactID, telegramID); err != nil {
		return err
	}
	const q = `
		INSERT INTO guest_telegram_map (planfix_contact_id, telegram_id, username)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (planfix_contact_id) DO UPDATE SET
			telegram_id = EXCLUDED.telegram_id,
			username = EXCLUDED.username,
			updated_at = now()`
	_, err := s.db.ExecContext(ctx, q, contactID, telegramID, username)
	return err
}

// TelegramForGuest resolves the Telegram id mapped to a CRM contact.
func (s *Store) TelegramForGuest(ctx context.Context, contactID int64) (int64, error) {
	var telegramID int64
	err := s.db.GetContext(ctx, &telegramID,
		`SELECT telegram_id FROM guest_telegram_map WHERE planfix_contact_id = $1`, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return telegramID, err
}

// GuestForTelegram resolves the CRM contact mapped to a Telegram account.
func (s *Store) GuestForTelegram(ctx context.Context, telegramID int64) (int64, error) {
	var contactID int64
	err := s.db.GetContext(ctx, &contactID,
		`SELECT planfix_contact_id FROM guest_telegram_map WHERE telegram_id = $1`, telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return contactID, err
}

// CreateFormSession opens a form session for a task and guest.
func (s *Store) CreateFormSession(ctx context.Context, sessionID uuid.UUID, taskID, guestPlanfixID int64, form string) error {
	const q = `
		INSERT INTO form_sessions (session_id, task_id, guest_planfix_id, form)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, sessionID, taskID, guestPlanfixID, form)
	return err
}

// GetFormSession loads a form session by its id.
func (s *Store) GetFormSession(ctx context.Context, sessionID uuid.UUID) (*FormSession, error) {
	var fs FormSession
	err := s.db.GetContext(ctx, &fs, `SELECT * FROM form_sessions WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

// CompleteFormSession records the form result. Repeated completion keeps the
// first result.
func (s *Store) CompleteFormSession(ctx context.Context, sessionID uuid.UUID, score int, summary string, payload []byte) error {
	const q = `
		UPDATE form_sessions
		SET completed_at = now(), score = $2, summary = NULLIF($3, ''), payload = $4
		WHERE session_id = $1 AND completed_at IS NULL`
	_, err := s.db.ExecContext(ctx, q, sessionID, score, summary, payload)
	return err
}

// OverdueTasks lists open tasks whose deadline has passed and that were not
// flagged yet.
func (s *Store) OverdueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	var tasks []Task
	const q = `
		SELECT * FROM tasks
		WHERE deadline < $1
		  AND deadline_notified = FALSE
		  AND status NOT IN ('done', 'cancelled', 'deadline_failed')
		ORDER BY deadline`
	if err := s.db.SelectContext(ctx, &tasks, q, now); err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkDeadlineNotified flags a task so the sweep reports it only once.
func (s *Store) MarkDeadlineNotified(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deadline_notified = TRUE, updated_at = now() WHERE task_id = $1`,
		taskID)
	return err
}

// Stats holds the admin counters.
type Stats struct {
	Guests    int `db:"guests"`
	OpenTasks int `db:"open_tasks"`
}

// CountStats returns the registered guest count and the number of open tasks.
func (s *Store) CountStats(ctx context.Context) (Stats, error) {
	var st Stats
	const q = `
		SELECT
			(SELECT count(*) FROM guest_telegram_map) AS guests,
			(SELECT count(*) FROM tasks WHERE status NOT IN ('done', 'cancelled', 'deadline_failed')) AS open_tasks`
	err := s.db.GetContext(ctx, &st, q)
	return st, err
}

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

// recordedExec captures one statement sent to the fake driver.
type recordedExec struct {
	query string
	args  []driver.NamedValue
}

type recDriver struct{}

func (recDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open through the connector")
}

type recConnector struct {
	execs *[]recordedExec
}

func (c recConnector) Connect(context.Context) (driver.Conn, error) {
	return recConn{execs: c.execs}, nil
}

func (c recConnector) Driver() driver.Driver { return recDriver{} }

type recConn struct {
	execs *[]recordedExec
}

func (c recConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	*c.execs = append(*c.execs, recordedExec{query: query, args: args})
	return driver.RowsAffected(1), nil
}

func (recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (recConn) Close() error                        { return nil }
func (recConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx unsupported") }

func newRecordingStore(execs *[]recordedExec) *Store {
	return New(sqlx.NewDb(sql.OpenDB(recConnector{execs: execs}), "postgres"))
}

func argInt64(t *testing.T, args []driver.NamedValue, ordinal int) int64 {
	t.Helper()
	for _, a := range args {
		if a.Ordinal == ordinal {
			v, ok := a.Value.(int64)
			if !ok {
				t.Fatalf("arg %d = %T, want int64", ordinal, a.Value)
			}
			return v
		}
	}
	t.Fatalf("arg %d missing in %v", ordinal, args)
	return 0
}

func TestUpsertGuestMappingRebindsTelegramAccount(t *testing.T) {
	var execs []recordedExec
	s := newRecordingStore(&execs)

	if err := s.UpsertGuestMapping(context.Background(), 900, 555001, "guest"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("statements = %d, want stale-row delete then upsert", len(execs))
	}

	del := execs[0]
	if !strings.Contains(del.query, "DELETE FROM guest_telegram_map") {
		t.Fatalf("first statement = %q, want delete of the stale mapping", del.query)
	}
	if !strings.Contains(del.query, "planfix_contact_id <> $1") {
		t.Fatalf("delete %q must spare the row of the same contact", del.query)
	}
	if got := argInt64(t, del.args, 1); got != 900 {
		t.Fatalf("delete contact arg = %d, want 900", got)
	}
	if got := argInt64(t, del.args, 2); got != 555001 {
		t.Fatalf("delete telegram arg = %d, want 555001", got)
	}

	ins := execs[1]
	if !strings.Contains(ins.query, "INSERT INTO guest_telegram_map") {
		t.Fatalf("second statement = %q, want upsert", ins.query)
	}
	if !strings.Contains(ins.query, "ON CONFLICT (planfix_contact_id)") {
		t.Fatalf("upsert %q must key on the contact id", ins.query)
	}
}

func TestWithdrawInvitationsExceptSparesAcceptedInvite(t *testing.T) {
	var execs []recordedExec
	s := newRecordingStore(&execs)

	if err := s.WithdrawInvitationsExcept(context.Background(), 50, 555001, 7); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("statements = %d, want 1", len(execs))
	}
	q := execs[0].query
	if !strings.Contains(q, "withdrawn_at IS NULL") {
		t.Fatalf("query %q must touch only open invites", q)
	}
	if !strings.Contains(q, "NOT (chat_id = $2 AND message_id = $3)") {
		t.Fatalf("query %q must exclude the accepted invite", q)
	}
	if got := argInt64(t, execs[0].args, 1); got != 50 {
		t.Fatalf("task arg = %d, want 50", got)
	}
}

func TestSetTaskDeadlineRearmsSweepFlag(t *testing.T) {
	var execs []recordedExec
	s := newRecordingStore(&execs)

	deadline := time.Date(2026, time.September, 25, 18, 0, 0, 0, time.UTC)
	if err := s.SetTaskDeadline(context.Background(), 50, deadline); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("statements = %d, want 1", len(execs))
	}
	if !strings.Contains(execs[0].query, "deadline_notified = FALSE") {
		t.Fatalf("query %q must clear the notified flag", execs[0].query)
	}
}

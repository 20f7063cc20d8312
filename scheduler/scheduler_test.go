package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m3rciful/guestbot/store"
)

type fakeSource struct {
	overdue   []store.Task
	listErr   error
	flagged   []int64
	flagErrOn int64
}

func (f *fakeSource) OverdueTasks(_ context.Context, _ time.Time) ([]store.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.overdue, nil
}

func (f *fakeSource) MarkDeadlineNotified(_ context.Context, taskID int64) error {
	if taskID == f.flagErrOn {
		return errors.New("flag failed")
	}
	f.flagged = append(f.flagged, taskID)
	return nil
}

func TestSweepReportsAndFlagsOnce(t *testing.T) {
	src := &fakeSource{
		overdue: []store.Task{
			{TaskID: 1, VenueName: "Белый кит", Status: "waiting_form", Deadline: time.Date(2026, 9, 25, 18, 0, 0, 0, time.UTC)},
			{TaskID: 2, Status: "new", Deadline: time.Date(2026, 9, 26, 12, 0, 0, 0, time.UTC)},
		},
	}
	var notes []string
	s := New(src, func(text string) error {
		notes = append(notes, text)
		return nil
	})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(notes))
	}
	if len(src.flagged) != 2 || src.flagged[0] != 1 || src.flagged[1] != 2 {
		t.Errorf("flagged = %v, want [1 2]", src.flagged)
	}

	// A clean second pass: the mirror no longer returns flagged tasks.
	src.overdue = nil
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("notes after clean sweep = %d, want 2", len(notes))
	}
}

func TestSweepKeepsFlagOnNotifyFailure(t *testing.T) {
	src := &fakeSource{
		overdue: []store.Task{{TaskID: 1, Status: "new"}},
	}
	s := New(src, func(string) error { return errors.New("telegram down") })

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(src.flagged) != 0 {
		t.Errorf("flagged = %v, want none so the next sweep retries", src.flagged)
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("db down")}
	s := New(src, nil)
	if err := s.Sweep(context.Background()); err == nil {
		t.Fatal("want error from overdue lookup")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(&fakeSource{}, nil)
	if err := s.Start("not a cron spec"); err == nil {
		t.Fatal("want error for invalid spec")
	}
}

func TestStartEmptySpecIsNoop(t *testing.T) {
	s := New(&fakeSource{}, nil)
	if err := s.Start(""); err != nil {
		t.Fatalf("empty spec: %v", err)
	}
	s.Stop()
}

package janitor

import (
	"testing"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/store"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},   // 3 AM daily
		{"*/15 * * * *", false}, // every 15 minutes
		{"0 12 * * 1-5", false}, // noon weekdays
		{"invalid", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if _, err := New(st, "not a schedule", 24*time.Hour); err == nil {
		t.Error("New accepted an invalid cron expression")
	}
	if _, err := New(st, "0 3 * * *", 0); err == nil {
		t.Error("New accepted a zero retention")
	}
}

func TestJanitor_NextRun(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	j, err := New(st, "0 3 * * *", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	next := j.NextRun(now)
	if next.Hour() != 3 || !next.After(now) {
		t.Errorf("NextRun = %v, want next 3 AM after %v", next, now)
	}
}

func TestJanitor_Sweep(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	old := &domain.Attempt{
		ID: "a1", TaskID: "t1", ProjectID: "p",
		Status: domain.AttemptQueued, QueuedAt: time.Now().Add(-72 * time.Hour),
	}
	if err := st.CreateAttempt(old); err != nil {
		t.Fatal(err)
	}
	code := 0
	if err := st.FinishAttempt("a1", domain.AttemptCompleted, &code, ""); err != nil {
		t.Fatal(err)
	}

	// Fresh attempt stays within retention
	fresh := &domain.Attempt{
		ID: "a2", TaskID: "t2", ProjectID: "p",
		Status: domain.AttemptQueued, QueuedAt: time.Now(),
	}
	if err := st.CreateAttempt(fresh); err != nil {
		t.Fatal(err)
	}

	j, err := New(st, "0 3 * * *", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := j.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := st.GetAttempt("a2"); err != nil {
		t.Errorf("unfinished attempt swept: %v", err)
	}
}

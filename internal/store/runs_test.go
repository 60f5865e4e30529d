package store

import (
	"testing"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
)

func createRun(t *testing.T, s *Store, id, projectID string, at time.Time) {
	t.Helper()
	err := s.CreateRun(&domain.Run{
		ID:        id,
		ProjectID: projectID,
		Status:    domain.RunRunning,
		StartedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_FinishRun_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "p", time.Now())

	if err := s.FinishRun("r1", domain.RunCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun("r1", domain.RunFailed, `{"code":"UNKNOWN","message":"late"}`); err != ErrRunFinished {
		t.Errorf("second finish err = %v, want ErrRunFinished", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %s, want completed (first write wins)", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestStore_GetRun_AttemptCounts(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "p", time.Now())

	base := time.Now()
	for i, id := range []string{"a1", "a2", "a3"} {
		queueAttempt(t, s, id, "task"+id, "p", base.Add(time.Duration(i)*time.Second))
		s.LinkAttemptToRun(id, "r1")
	}
	s.ClaimNextQueued("p", 1)
	code := 1
	s.FinishAttempt("a1", domain.AttemptFailed, &code, "boom")

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptsCount != 3 {
		t.Errorf("AttemptsCount = %d, want 3", got.AttemptsCount)
	}
	if got.FailedAttempts != 1 {
		t.Errorf("FailedAttempts = %d, want 1", got.FailedAttempts)
	}
}

func TestStore_ListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	createRun(t, s, "r1", "p", base.Add(-2*time.Hour))
	createRun(t, s, "r2", "p", base.Add(-time.Hour))
	createRun(t, s, "r3", "p", base)
	createRun(t, s, "other", "q", base)

	runs, err := s.ListRuns("p", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("count = %d, want 2 (limited)", len(runs))
	}
	if runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Errorf("order = [%s %s], want [r3 r2]", runs[0].ID, runs[1].ID)
	}
}

func TestStore_GetLatestRun_NoRuns(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetLatestRun("p")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("latest run = %+v, want nil", got)
	}
}

func TestStore_ListLogsAfter_CursorPagination(t *testing.T) {
	s := newTestStore(t)
	queueAttempt(t, s, "a1", "t1", "p", time.Now())

	for i := 0; i < 5; i++ {
		if err := s.AppendLog("a1", domain.LogInfo, "line"); err != nil {
			t.Fatal(err)
		}
	}

	page1, next, err := s.ListLogsAfter("a1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}
	if next == 0 {
		t.Fatal("expected a next cursor")
	}

	page2, next2, err := s.ListLogsAfter("a1", next, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 {
		t.Errorf("page2 len = %d, want 3 remaining", len(page2))
	}
	if next2 != 0 {
		t.Errorf("next2 = %d, want 0 (exhausted)", next2)
	}
	if page2[0].ID <= page1[1].ID {
		t.Error("pages overlap")
	}
}

func TestStore_ListStalledRuns(t *testing.T) {
	s := newTestStore(t)

	stale := &domain.Run{ID: "r1", ProjectID: "p", Status: domain.RunRunning, StartedAt: time.Now().Add(-10 * time.Minute)}
	if err := s.CreateRun(stale); err != nil {
		t.Fatal(err)
	}

	// Fresh running run, and a running run with a linked attempt:
	// neither is stalled
	fresh := &domain.Run{ID: "r2", ProjectID: "p2", Status: domain.RunRunning, StartedAt: time.Now()}
	if err := s.CreateRun(fresh); err != nil {
		t.Fatal(err)
	}
	linked := &domain.Run{ID: "r3", ProjectID: "p3", Status: domain.RunRunning, StartedAt: time.Now().Add(-10 * time.Minute)}
	if err := s.CreateRun(linked); err != nil {
		t.Fatal(err)
	}
	queueAttempt(t, s, "a1", "t1", "p3", time.Now().Add(-10*time.Minute))
	if err := s.LinkAttemptToRun("a1", "r3"); err != nil {
		t.Fatal(err)
	}

	stalled, err := s.ListStalledRuns(time.Now().Add(-5 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != "r1" {
		t.Errorf("stalled = %+v, want only r1", stalled)
	}
}

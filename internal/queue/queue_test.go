package queue

import (
	"sync"
	"testing"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/store"
)

func newTestScheduler(t *testing.T, limit int) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, StaticLimits(limit)), st
}

func TestScheduler_EnqueueAndStart(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	a, err := sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "task1"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AttemptQueued {
		t.Errorf("Status = %s, want queued", a.Status)
	}

	claimed, ok, err := sched.TryStartNext("p")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || claimed.ID != a.ID {
		t.Errorf("claimed %v ok=%v, want %s", claimed, ok, a.ID)
	}
}

func TestScheduler_FIFOOrder(t *testing.T) {
	sched, st := newTestScheduler(t, 1)

	first, _ := sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t1"})
	second, _ := sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t2"})

	claimed, ok, _ := sched.TryStartNext("p")
	if !ok || claimed.ID != first.ID {
		t.Fatalf("first claim = %v, want oldest %s", claimed, first.ID)
	}

	code := 0
	st.FinishAttempt(claimed.ID, domain.AttemptCompleted, &code, "")

	claimed, ok, _ = sched.TryStartNext("p")
	if !ok || claimed.ID != second.ID {
		t.Errorf("second claim = %v, want %s", claimed, second.ID)
	}
}

func TestScheduler_ConcurrencyCapInvariant(t *testing.T) {
	sched, st := newTestScheduler(t, 2)

	for i := 0; i < 10; i++ {
		sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t"})
	}

	// Hammer TryStartNext from multiple triggers at once
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.TryStartNext("p")
		}()
	}
	wg.Wait()

	running, err := st.CountRunningAttempts("p")
	if err != nil {
		t.Fatal(err)
	}
	if running > 2 {
		t.Errorf("running = %d, cap is 2", running)
	}
}

func TestScheduler_HasAvailableSlot(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	ok, err := sched.HasAvailableSlot("p")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("fresh project should have a slot")
	}

	sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t1"})
	sched.TryStartNext("p")

	ok, _ = sched.HasAvailableSlot("p")
	if ok {
		t.Error("slot should be taken while an attempt runs")
	}
}

func TestScheduler_QueuePosition(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	a1, _ := sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t1"})
	a2, _ := sched.Enqueue(domain.WorkItem{ProjectID: "p", TaskID: "t2"})

	if pos, ok, _ := sched.QueuePosition(a1.ID); !ok || pos != 1 {
		t.Errorf("pos(a1) = %d ok=%v, want 1 true", pos, ok)
	}
	if pos, ok, _ := sched.QueuePosition(a2.ID); !ok || pos != 2 {
		t.Errorf("pos(a2) = %d ok=%v, want 2 true", pos, ok)
	}

	sched.TryStartNext("p")
	if _, ok, _ := sched.QueuePosition(a1.ID); ok {
		t.Error("running attempt still reports a position")
	}
}

package scheduler

import "testing"

func TestUpdateFiresOnInterval(t *testing.T) {
	s := New()
	fired := 0
	s.Add("t", 100, 0, func() bool { fired++; return true })
	s.Update(50)
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 before interval elapses", fired)
	}
	s.Update(50)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestTriggerForcesImmediateFire(t *testing.T) {
	s := New()
	fired := 0
	idx := s.Add("t", 1000, 0, func() bool { fired++; return true })
	s.Trigger(idx)
	s.Update(0)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after trigger+update(0)", fired)
	}
}

func TestMaxRetriesDisablesTask(t *testing.T) {
	s := New()
	idx := s.Add("t", 10, 2, func() bool { return false })
	s.Update(10)
	s.Update(10)
	s.Update(10) // should no-op now, task disabled after 2 failures
	task := s.Task(idx)
	if task.retryCount != 2 {
		t.Fatalf("retryCount = %d, want 2 (frozen once disabled)", task.retryCount)
	}
}

func TestSuccessResetsRetryCount(t *testing.T) {
	s := New()
	calls := 0
	idx := s.Add("t", 10, 3, func() bool {
		calls++
		return calls > 1 // fail once, then succeed
	})
	s.Update(10) // fail #1
	s.Update(10) // success, resets retry count
	task := s.Task(idx)
	if task.retryCount != 0 {
		t.Fatalf("retryCount = %d, want 0 after success", task.retryCount)
	}
}

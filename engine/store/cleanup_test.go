package store

import "testing"

func TestStartCleanupScheduler_RejectsInvalidCronSpec(t *testing.T) {
	st := NewMemStore()
	_, err := StartCleanupScheduler(st, "not a cron spec", 30)
	if err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
}

func TestStartCleanupScheduler_AcceptsValidSpecAndStops(t *testing.T) {
	st := NewMemStore()
	sched, err := StartCleanupScheduler(st, "0 3 * * *", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sched.Stop()
}

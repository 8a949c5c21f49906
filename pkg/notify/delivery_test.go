package notify

import (
	"testing"
	"time"
)

func TestDeliveryLog_ByTarget(t *testing.T) {
	log := NewDeliveryLog(10)

	base := time.Now().UTC()
	for n := 0; n < 3; n++ {
		log.Add(&Delivery{
			ID:        string(rune('a' + n)),
			TargetID:  "tgt-1",
			CreatedAt: base.Add(time.Duration(n) * time.Second),
		})
	}
	log.Add(&Delivery{ID: "other", TargetID: "tgt-2", CreatedAt: base})

	got := log.ByTarget("tgt-1", 0)
	if len(got) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "a" {
		t.Errorf("Expected newest-first order, got %s..%s", got[0].ID, got[2].ID)
	}

	limited := log.ByTarget("tgt-1", 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}

	all := log.ByTarget("", 0)
	if len(all) != 4 {
		t.Errorf("Expected empty target id to match everything, got %d", len(all))
	}
}

func TestDeliveryLog_UpdateDoesNotShareState(t *testing.T) {
	log := NewDeliveryLog(10)

	d := &Delivery{ID: "d1", TargetID: "tgt-1", Status: DeliveryPending}
	log.Add(d)

	// Mutating the caller's copy must not leak into the log.
	d.Status = DeliveryFailed

	stored, ok := log.Get("d1")
	if !ok {
		t.Fatal("Expected delivery to exist")
	}
	if stored.Status != DeliveryPending {
		t.Errorf("Log shares state with the caller: %s", stored.Status)
	}

	d.Status = DeliverySucceeded
	log.Update(d)
	stored, _ = log.Get("d1")
	if stored.Status != DeliverySucceeded {
		t.Errorf("Expected update to apply, got %s", stored.Status)
	}
}

func TestDeliveryLog_DueRetries(t *testing.T) {
	log := NewDeliveryLog(10)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	log.Add(&Delivery{ID: "due", Status: DeliveryRetrying, NextAttemptAt: &past})
	log.Add(&Delivery{ID: "not-yet", Status: DeliveryRetrying, NextAttemptAt: &future})
	log.Add(&Delivery{ID: "done", Status: DeliverySucceeded})

	due := log.DueRetries(now)
	if len(due) != 1 || due[0].ID != "due" {
		t.Errorf("Expected exactly the overdue delivery, got %v", due)
	}
}

func TestDeliveryLog_Eviction(t *testing.T) {
	log := NewDeliveryLog(10)
	base := time.Now().UTC()

	for n := 0; n < 11; n++ {
		log.Add(&Delivery{
			ID:        string(rune('a' + n)),
			TargetID:  "tgt-1",
			CreatedAt: base.Add(time.Duration(n) * time.Second),
		})
	}

	if _, ok := log.Get("a"); ok {
		t.Error("Expected the oldest entry to be evicted")
	}
	if _, ok := log.Get("k"); !ok {
		t.Error("Expected the newest entry to survive")
	}
}

func TestDeliveryLog_Stats(t *testing.T) {
	log := NewDeliveryLog(10)

	log.Add(&Delivery{ID: "1", TargetID: "tgt-1", Status: DeliverySucceeded, Duration: 100 * time.Millisecond})
	log.Add(&Delivery{ID: "2", TargetID: "tgt-1", Status: DeliverySucceeded, Duration: 300 * time.Millisecond})
	log.Add(&Delivery{ID: "3", TargetID: "tgt-1", Status: DeliveryFailed})
	log.Add(&Delivery{ID: "4", TargetID: "tgt-1", Status: DeliveryRetrying})
	log.Add(&Delivery{ID: "5", TargetID: "tgt-2", Status: DeliveryFailed})

	stats := log.Stats("tgt-1")
	if stats.Total != 4 {
		t.Errorf("Expected 4 total, got %d", stats.Total)
	}
	if stats.Succeeded != 2 || stats.Failed != 1 || stats.Retrying != 1 {
		t.Errorf("Unexpected breakdown: %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("Expected success rate 0.5, got %f", stats.SuccessRate)
	}
	if stats.AverageDuration != 200*time.Millisecond {
		t.Errorf("Expected average 200ms, got %s", stats.AverageDuration)
	}
}

package controlloop

import "testing"

func TestPromotionLatchIsMonotone(t *testing.T) {
	l := &Loop{}

	if l.getAbleToPromote() {
		t.Fatalf("latch should start false")
	}

	l.setAbleToPromote(true)
	if !l.getAbleToPromote() {
		t.Fatalf("latch should be true after first true reading")
	}

	// A later false reading (a momentary lag blip) must not unlatch it.
	l.setAbleToPromote(false)
	if !l.getAbleToPromote() {
		t.Fatalf("latch should survive a later false reading")
	}
}

func TestBoolToFloat(t *testing.T) {
	if boolToFloat(true) != 1 {
		t.Errorf("boolToFloat(true) = %v, want 1", boolToFloat(true))
	}
	if boolToFloat(false) != 0 {
		t.Errorf("boolToFloat(false) = %v, want 0", boolToFloat(false))
	}
}

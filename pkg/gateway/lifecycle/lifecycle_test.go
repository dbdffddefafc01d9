package lifecycle

import "testing"

func TestLifecycle_Draining(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() {
		t.Fatal("zero value should not be draining")
	}
	l.SetDraining(true)
	since := l.DrainingSince()
	if !l.IsDraining() || since.IsZero() {
		t.Fatalf("draining=%v since=%v", l.IsDraining(), since)
	}
	l.SetDraining(true)
	if !l.DrainingSince().Equal(since) {
		t.Fatal("second SetDraining(true) moved the start time")
	}
	l.SetDraining(false)
	if l.IsDraining() {
		t.Fatal("still draining after clear")
	}
}

func TestLifecycle_NilIsSafe(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatal("nil lifecycle reported draining")
	}
}

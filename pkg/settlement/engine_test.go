package settlement

import "testing"

func TestRoundHalfEvenRoundsDownBelowHalf(t *testing.T) {
	if got := roundHalfEven(10.4); got != 10 {
		t.Fatalf("roundHalfEven(10.4) = %d, want 10", got)
	}
}

func TestRoundHalfEvenRoundsUpAboveHalf(t *testing.T) {
	if got := roundHalfEven(10.6); got != 11 {
		t.Fatalf("roundHalfEven(10.6) = %d, want 11", got)
	}
}

func TestRoundHalfEvenTieGoesToEvenNeighbor(t *testing.T) {
	if got := roundHalfEven(10.5); got != 10 {
		t.Fatalf("roundHalfEven(10.5) = %d, want 10 (even neighbor)", got)
	}
	if got := roundHalfEven(11.5); got != 12 {
		t.Fatalf("roundHalfEven(11.5) = %d, want 12 (even neighbor)", got)
	}
}

func TestRoundHalfEvenZeroFloor(t *testing.T) {
	// Exercises the floor-based tie logic against a value whose floor is
	// already even.
	if got := roundHalfEven(0.5); got != 0 {
		t.Fatalf("roundHalfEven(0.5) = %d, want 0", got)
	}
}

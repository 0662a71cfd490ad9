package epoch

import (
	"testing"
	"time"

	"github.com/gridtokenx/apigateway/pkg/config"
)

func newTestScheduler(durationMinutes int) *Scheduler {
	return &Scheduler{
		policy: config.EpochPolicy{DurationMinutes: durationMinutes, TickIntervalSecond: 60},
		base:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEpochIndexAtBase(t *testing.T) {
	s := newTestScheduler(15)
	if got := s.epochIndex(s.base); got != 0 {
		t.Fatalf("epochIndex(base) = %d, want 0", got)
	}
}

func TestEpochIndexAdvancesByDuration(t *testing.T) {
	s := newTestScheduler(15)
	t1 := s.base.Add(16 * time.Minute)
	if got := s.epochIndex(t1); got != 1 {
		t.Fatalf("epochIndex(base+16m) = %d, want 1", got)
	}
}

func TestEpochStartEndAreHalfOpenAndContiguous(t *testing.T) {
	s := newTestScheduler(15)
	start0 := s.epochStart(0)
	end0 := s.epochEnd(0)
	start1 := s.epochStart(1)

	if !start0.Equal(s.base) {
		t.Fatalf("epochStart(0) = %v, want %v", start0, s.base)
	}
	if !end0.Equal(start1) {
		t.Fatalf("epoch 0 end %v != epoch 1 start %v", end0, start1)
	}
	if end0.Sub(start0) != 15*time.Minute {
		t.Fatalf("epoch duration = %v, want 15m", end0.Sub(start0))
	}
}

func TestEpochIndexJustBeforeBoundaryStaysInPriorEpoch(t *testing.T) {
	s := newTestScheduler(15)
	justBefore := s.epochStart(1).Add(-time.Nanosecond)
	if got := s.epochIndex(justBefore); got != 0 {
		t.Fatalf("epochIndex(just before boundary) = %d, want 0", got)
	}
}

package systems

import (
	"testing"
	"time"

	"github.com/automoto/matrixsync/shared/transform"
)

type countingTicker struct {
	calls   map[transform.EntityID]int
	changed map[transform.EntityID]bool
}

func newCountingTicker() *countingTicker {
	return &countingTicker{
		calls:   make(map[transform.EntityID]int),
		changed: make(map[transform.EntityID]bool),
	}
}

func (c *countingTicker) Tick(id transform.EntityID, _ float64) bool {
	c.calls[id]++
	return c.changed[id]
}

const tick = 100 * time.Millisecond

func TestIdleEntityFreezesAfterTimeout(t *testing.T) {
	ticker := newCountingTicker()
	s := NewScheduler(5*time.Second, ticker)
	s.Poke(1)

	for i := 0; i < 49; i++ {
		s.Update(tick)
	}
	if s.State(1) != Moving {
		t.Fatalf("entity froze early at %v", s.Now())
	}
	if !s.FreezePending(1) {
		t.Fatalf("expected freeze deadline to be armed")
	}

	s.Update(tick)
	s.Update(tick)
	if s.State(1) != Still {
		t.Fatalf("expected entity to be still at %v", s.Now())
	}

	calls := ticker.calls[1]
	s.Update(tick)
	if ticker.calls[1] != calls {
		t.Fatalf("still entity must not be ticked")
	}
}

func TestPokeBeforeDeadlineKeepsMoving(t *testing.T) {
	ticker := newCountingTicker()
	s := NewScheduler(5*time.Second, ticker)
	s.Poke(1)

	for i := 0; i < 40; i++ {
		s.Update(tick)
	}
	s.Poke(1)
	if s.FreezePending(1) {
		t.Fatalf("poke must cancel the pending deadline")
	}

	// The stale deadline surfaces at 5s and must be ignored.
	for i := 0; i < 20; i++ {
		s.Update(tick)
	}
	if s.State(1) != Moving {
		t.Fatalf("re-armed entity froze on a stale deadline at %v", s.Now())
	}
}

func TestChangingTickCancelsDeadline(t *testing.T) {
	ticker := newCountingTicker()
	s := NewScheduler(time.Second, ticker)
	s.Poke(2)

	s.Update(tick)
	if !s.FreezePending(2) {
		t.Fatalf("no-change tick should arm the deadline")
	}
	ticker.changed[2] = true
	s.Update(tick)
	if s.FreezePending(2) {
		t.Fatalf("change should cancel the deadline")
	}
	for i := 0; i < 30; i++ {
		s.Update(tick)
	}
	if s.State(2) != Moving {
		t.Fatalf("constantly changing entity must stay moving")
	}
}

func TestPokeWakesStillEntity(t *testing.T) {
	ticker := newCountingTicker()
	s := NewScheduler(time.Second, ticker)
	s.Poke(3)
	for i := 0; i < 20; i++ {
		s.Update(tick)
	}
	if s.State(3) != Still {
		t.Fatalf("expected still")
	}

	s.Poke(3)
	calls := ticker.calls[3]
	s.Update(tick)
	if s.State(3) != Moving || ticker.calls[3] != calls+1 {
		t.Fatalf("poked entity should be ticked again")
	}
}

func TestRemoveCancelsTimers(t *testing.T) {
	ticker := newCountingTicker()
	s := NewScheduler(time.Second, ticker)
	s.Poke(4)
	s.Update(tick)
	s.Remove(4)

	for i := 0; i < 20; i++ {
		s.Update(tick)
	}
	if s.State(4) != Still || s.FreezePending(4) || s.MovingCount() != 0 {
		t.Fatalf("removed entity should leave no trace")
	}
	if ticker.calls[4] != 1 {
		t.Fatalf("removed entity ticked %d times", ticker.calls[4])
	}
}

func TestEveryTickerRunsEvenAfterChange(t *testing.T) {
	first, second := newCountingTicker(), newCountingTicker()
	first.changed[1] = true
	s := NewScheduler(time.Second, first)
	s.AddTicker(second)
	s.Poke(1)
	s.Update(tick)

	if first.calls[1] != 1 || second.calls[1] != 1 {
		t.Fatalf("both tickers should run: first=%d second=%d", first.calls[1], second.calls[1])
	}
}

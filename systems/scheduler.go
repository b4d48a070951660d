package systems

import (
	"container/heap"
	"sort"
	"time"

	"github.com/automoto/matrixsync/shared/transform"
)

// MotionState is used to determine if an entity is worth updating every tick.
type MotionState int

const (
	Still MotionState = iota
	Moving
)

func (m MotionState) String() string {
	if m == Moving {
		return "moving"
	}
	return "still"
}

// Ticker advances one entity by dt seconds and reports whether anything
// observable changed.
type Ticker interface {
	Tick(id transform.EntityID, dt float64) bool
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(id transform.EntityID, dt float64) bool

func (f TickerFunc) Tick(id transform.EntityID, dt float64) bool { return f(id, dt) }

type motion struct {
	state      MotionState
	generation uint64
	armed      bool // freeze deadline pending
}

type deadline struct {
	at         time.Duration
	id         transform.EntityID
	generation uint64
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at == h[j].at {
		return h[i].id < h[j].id
	}
	return h[i].at < h[j].at
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// Scheduler keeps only the Moving subset of entities in the tick set. An
// entity whose ticks stop changing anything is frozen after a timeout of
// simulated time; any Poke re-arms it immediately.
type Scheduler struct {
	timeout time.Duration
	now     time.Duration
	tickers []Ticker

	motions   map[transform.EntityID]*motion
	deadlines deadlineHeap
	order     []transform.EntityID
}

func NewScheduler(freezeTimeout time.Duration, tickers ...Ticker) *Scheduler {
	return &Scheduler{
		timeout: freezeTimeout,
		tickers: tickers,
		motions: make(map[transform.EntityID]*motion),
	}
}

// AddTicker registers another system to run for each Moving entity.
func (s *Scheduler) AddTicker(t Ticker) {
	s.tickers = append(s.tickers, t)
}

// Now returns the simulated time elapsed since the scheduler was created.
func (s *Scheduler) Now() time.Duration {
	return s.now
}

// Poke puts id in the Moving set and cancels any pending freeze.
func (s *Scheduler) Poke(id transform.EntityID) {
	m, ok := s.motions[id]
	if !ok {
		m = &motion{}
		s.motions[id] = m
	}
	m.state = Moving
	s.cancel(m)
}

// Remove forgets id, cancelling its pending deadline.
func (s *Scheduler) Remove(id transform.EntityID) {
	if m, ok := s.motions[id]; ok {
		s.cancel(m)
		delete(s.motions, id)
	}
}

func (s *Scheduler) State(id transform.EntityID) MotionState {
	if m, ok := s.motions[id]; ok {
		return m.state
	}
	return Still
}

// FreezePending reports whether id has an armed freeze deadline.
func (s *Scheduler) FreezePending(id transform.EntityID) bool {
	m, ok := s.motions[id]
	return ok && m.armed
}

// MovingCount returns the size of the tick set.
func (s *Scheduler) MovingCount() int {
	n := 0
	for _, m := range s.motions {
		if m.state == Moving {
			n++
		}
	}
	return n
}

// Update advances simulated time by dt, ticks every Moving entity and
// expires due freeze deadlines.
func (s *Scheduler) Update(dt time.Duration) {
	s.now += dt
	seconds := dt.Seconds()

	s.order = s.order[:0]
	for id, m := range s.motions {
		if m.state == Moving {
			s.order = append(s.order, id)
		}
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })

	for _, id := range s.order {
		m, ok := s.motions[id]
		if !ok || m.state != Moving {
			continue
		}
		changed := false
		for _, t := range s.tickers {
			if t.Tick(id, seconds) {
				changed = true
			}
		}
		if changed {
			s.cancel(m)
		} else if !m.armed {
			s.arm(id, m)
		}
	}

	s.expire()
}

func (s *Scheduler) arm(id transform.EntityID, m *motion) {
	m.generation++
	m.armed = true
	heap.Push(&s.deadlines, deadline{at: s.now + s.timeout, id: id, generation: m.generation})
}

// cancel invalidates the pending deadline; the stale heap entry is skipped
// when it surfaces.
func (s *Scheduler) cancel(m *motion) {
	if m.armed {
		m.generation++
		m.armed = false
	}
}

func (s *Scheduler) expire() {
	for s.deadlines.Len() > 0 && s.deadlines[0].at <= s.now {
		d := heap.Pop(&s.deadlines).(deadline)
		m, ok := s.motions[d.id]
		if !ok || !m.armed || m.generation != d.generation {
			continue
		}
		m.armed = false
		m.state = Still
	}
}

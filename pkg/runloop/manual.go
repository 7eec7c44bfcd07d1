package runloop

import (
	"sort"
	"time"
)

// Manual цикл событий с виртуальным временем для тестов.
// Задачи выполняются только в RunPending и Advance на вызывающей горутине.
type Manual struct {
	now     time.Time
	pending []func()
	timers  []*manualTimer
	seq     uint64
}

// NewManual создает цикл с виртуальными часами, начинающимися с start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post реализует Scheduler.
func (m *Manual) Post(fn func()) {
	m.pending = append(m.pending, fn)
}

// AfterFunc реализует Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{deadline: m.now.Add(d), fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Now реализует Scheduler.
func (m *Manual) Now() time.Time {
	return m.now
}

// RunPending выполняет очередь, включая задачи, добавленные по ходу выполнения.
func (m *Manual) RunPending() int {
	count := 0
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
		count++
	}
	return count
}

// Advance сдвигает время на d, срабатывая таймеры по порядку дедлайнов.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunPending()
	for {
		t := m.nextTimer(target)
		if t == nil {
			break
		}
		m.now = t.deadline
		t.stopped = true
		t.fn()
		m.RunPending()
	}
	m.now = target
	m.compact()
}

// ActiveTimers возвращает количество взведенных таймеров.
func (m *Manual) ActiveTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextTimer(limit time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.deadline.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (m *Manual) compact() {
	active := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			active = append(active, t)
		}
	}
	m.timers = active
}

type manualTimer struct {
	deadline time.Time
	fn       func()
	seq      uint64
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

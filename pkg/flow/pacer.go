package flow

import (
	"time"

	"github.com/arzzra/soft_a2dp/pkg/runloop"
)

// Pacer периодический таймер, выдающий число отсчетов, прошедших с
// предыдущего тика по часам планировщика. Опоздание тика не теряется:
// доли миллисекунды переносятся на следующие тики.
type Pacer struct {
	sched    runloop.Scheduler
	interval time.Duration
	acc      *RateAccumulator
	onTick   func(samples int)

	timer    runloop.Timer
	lastTick time.Time
	carry    time.Duration // остаток меньше миллисекунды
	running  bool
}

// NewPacer создает остановленный таймер темпа.
func NewPacer(sched runloop.Scheduler, interval time.Duration, sampleRate int, onTick func(samples int)) *Pacer {
	return &Pacer{
		sched:    sched,
		interval: interval,
		acc:      NewRateAccumulator(sampleRate),
		onTick:   onTick,
	}
}

// Start запускает таймер. Повторный вызов перезапускает отсчет.
func (p *Pacer) Start() {
	p.Stop()
	p.running = true
	p.lastTick = p.sched.Now()
	p.schedule()
}

// Stop останавливает таймер и сбрасывает накопленный остаток.
func (p *Pacer) Stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.running = false
	p.lastTick = time.Time{}
	p.carry = 0
	p.acc.Reset()
}

// Running сообщает, что таймер запущен.
func (p *Pacer) Running() bool { return p.running }

// SetSampleRate меняет частоту после реконфигурации потока.
func (p *Pacer) SetSampleRate(sampleRate int) { p.acc.SetSampleRate(sampleRate) }

func (p *Pacer) schedule() {
	p.timer = p.sched.AfterFunc(p.interval, p.tick)
}

func (p *Pacer) tick() {
	if !p.running {
		return
	}
	p.schedule()

	now := p.sched.Now()
	elapsed := now.Sub(p.lastTick) + p.carry
	p.lastTick = now

	ms := elapsed / time.Millisecond
	p.carry = elapsed - ms*time.Millisecond
	if samples := p.acc.Tick(int(ms)); samples > 0 {
		p.onTick(samples)
	}
}

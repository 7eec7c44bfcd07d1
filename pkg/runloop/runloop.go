// Package runloop обеспечивает однопоточное исполнение протокольной логики.
//
// Все изменения состояния AVDTP/A2DP выполняются внутри одного цикла
// событий. Транспорт и таймеры не вызывают обработчики напрямую, а ставят
// их в очередь цикла через Post, поэтому блокировки в протокольном ядре
// не нужны.
package runloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped возвращается при попытке запустить остановленный цикл.
var ErrStopped = errors.New("runloop: цикл остановлен")

// Timer отменяемый таймер цикла событий.
type Timer interface {
	// Stop отменяет таймер. Возвращает false, если он уже сработал или был отменен.
	Stop() bool
}

// Scheduler минимальный контракт цикла событий.
type Scheduler interface {
	// Post ставит fn в очередь цикла.
	Post(fn func())
	// AfterFunc вызывает fn внутри цикла через d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Now возвращает текущее время цикла.
	Now() time.Time
}

// Loop цикл событий на отдельной горутине. Очередь не ограничена, поэтому
// Post никогда не блокируется, в том числе из обработчика самого цикла.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	log     logrus.FieldLogger
}

// New создает цикл. queueSize задает начальную емкость очереди.
func New(queueSize int, logger logrus.FieldLogger) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loop{
		queue: make([]func(), 0, queueSize),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		log:   logger.WithField("component", "runloop"),
	}
}

// Run обрабатывает очередь до отмены ctx или вызова Stop.
func (l *Loop) Run(ctx context.Context) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	l.log.Debug("Цикл событий запущен")
	defer l.log.Debug("Цикл событий остановлен")

	var batch []func()
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		l.mu.Unlock()

		for i, fn := range batch {
			if l.stopped.Load() {
				return nil
			}
			l.invoke(fn)
			batch[i] = nil
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("Паника в обработчике цикла событий")
		}
	}()
	fn()
}

// Stop останавливает цикл. Задачи, оставшиеся в очереди, отбрасываются.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.done)
	})
}

// Post ставит fn в очередь и сразу возвращается. После Stop вызов
// игнорируется.
func (l *Loop) Post(fn func()) {
	if l.stopped.Load() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc реализует Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			// Таймер мог быть отменен, пока задача стояла в очереди
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Now реализует Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}

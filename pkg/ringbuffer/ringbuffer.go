// Package ringbuffer реализует кольцевой байтовый буфер фиксированной емкости.
//
// Буфер рассчитан ровно на одного производителя (сеть или таймер) и одного
// потребителя (воспроизведение или кодер), которые могут работать на разных
// горутинах. Курсоры чтения и записи монотонно растут и хранятся в атомарных
// счетчиках: writePos меняет только Write, readPos меняют только Read и
// ReadN. Разность курсоров дает заполненность, поэтому пустое и полное
// состояния не требуют отдельного флага.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCapacityExceeded возвращается, если данные не помещаются в свободное место.
var ErrCapacityExceeded = errors.New("ringbuffer: недостаточно свободного места")

// RingBuffer кольцевой буфер байтов.
type RingBuffer struct {
	storage  []byte
	readPos  atomic.Uint64 // пишет только потребитель
	writePos atomic.Uint64 // пишет только производитель
}

// New создает пустой буфер емкостью capacity байт.
func New(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{storage: make([]byte, capacity)}
}

// NewWithStorage использует переданный срез как хранилище без копирования.
func NewWithStorage(storage []byte) *RingBuffer {
	return &RingBuffer{storage: storage}
}

// Capacity возвращает емкость буфера.
func (rb *RingBuffer) Capacity() int {
	return len(rb.storage)
}

// BytesAvailable возвращает количество байт, доступных для чтения.
// Сторонний наблюдатель получает оценку, ограниченную емкостью.
func (rb *RingBuffer) BytesAvailable() int {
	// Чтение раньше записи: writePos не убывает, разность не отрицательна
	r := rb.readPos.Load()
	w := rb.writePos.Load()
	if n := int(w - r); n < len(rb.storage) {
		return n
	}
	return len(rb.storage)
}

// BytesFree возвращает количество свободных байт.
func (rb *RingBuffer) BytesFree() int {
	return len(rb.storage) - rb.BytesAvailable()
}

// IsEmpty сообщает, что в буфере нет данных.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.BytesAvailable() == 0
}

// IsFull сообщает, что свободного места нет.
func (rb *RingBuffer) IsFull() bool {
	return rb.BytesAvailable() == len(rb.storage)
}

// Write записывает data целиком либо не записывает ничего.
// Вызывается только производителем.
func (rb *RingBuffer) Write(data []byte) error {
	w := rb.writePos.Load()
	free := len(rb.storage) - int(w-rb.readPos.Load())
	if len(data) > free {
		return fmt.Errorf("%w: требуется %d, свободно %d", ErrCapacityExceeded, len(data), free)
	}
	if len(data) == 0 {
		return nil
	}

	// Копируем до конца хранилища, затем остаток с начала
	start := int(w % uint64(len(rb.storage)))
	n := copy(rb.storage[start:], data)
	if n < len(data) {
		copy(rb.storage, data[n:])
	}
	rb.writePos.Store(w + uint64(len(data)))
	return nil
}

// Read читает до len(p) байт и возвращает количество прочитанных.
// Никогда не блокируется: при нехватке данных возвращает меньше.
// Вызывается только потребителем.
func (rb *RingBuffer) Read(p []byte) int {
	r := rb.readPos.Load()
	n := rb.copyFrom(r, p)
	if n > 0 {
		rb.readPos.Store(r + uint64(n))
	}
	return n
}

// ReadN читает до max байт в новый срез.
func (rb *RingBuffer) ReadN(max int) []byte {
	if available := rb.BytesAvailable(); max > available {
		max = available
	}
	if max <= 0 {
		return nil
	}
	out := make([]byte, max)
	return out[:rb.Read(out)]
}

// Peek копирует до len(p) байт без сдвига курсора чтения.
func (rb *RingBuffer) Peek(p []byte) int {
	return rb.copyFrom(rb.readPos.Load(), p)
}

func (rb *RingBuffer) copyFrom(r uint64, p []byte) int {
	toRead := len(p)
	if available := int(rb.writePos.Load() - r); toRead > available {
		toRead = available
	}
	if toRead <= 0 {
		return 0
	}

	start := int(r % uint64(len(rb.storage)))
	n := copy(p[:toRead], rb.storage[start:])
	if n < toRead {
		copy(p[n:toRead], rb.storage)
	}
	return toRead
}

// Reset очищает буфер, сохраняя хранилище. Допустим только когда ни
// производитель, ни потребитель не работают с буфером.
func (rb *RingBuffer) Reset() {
	rb.readPos.Store(0)
	rb.writePos.Store(0)
}

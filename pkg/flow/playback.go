package flow

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/sirupsen/logrus"
)

// PlaybackBuffer буфер PCM между декодером и аудио устройством. Пока
// воспроизведение на паузе, Fill выдает тишину; пауза снимается, когда
// накоплен порог, и возвращается при нехватке данных.
//
// Write вызывается ровно одним производителем, Fill ровно одним
// потребителем в контексте аудио устройства.
type PlaybackBuffer struct {
	buf       *ringbuffer.RingBuffer
	prebuffer int
	paused    atomic.Bool
	scratch   []byte
	out       []byte

	log     logrus.FieldLogger
	metrics *flowMetrics
}

// NewPlaybackBuffer создает буфер на capacityBytes байт PCM, начинающий
// воспроизведение после prebufferBytes байт.
func NewPlaybackBuffer(cfg Config, capacityBytes, prebufferBytes int) *PlaybackBuffer {
	b := &PlaybackBuffer{
		buf:       ringbuffer.New(capacityBytes),
		prebuffer: prebufferBytes,
		log:       cfg.logger("playback"),
		metrics:   newFlowMetrics(cfg.Registerer, cfg.Namespace, "playback"),
	}
	b.paused.Store(true)
	return b
}

// Paused сообщает, что устройство получает тишину.
func (b *PlaybackBuffer) Paused() bool { return b.paused.Load() }

// BytesAvailable байты PCM в буфере.
func (b *PlaybackBuffer) BytesAvailable() int { return b.buf.BytesAvailable() }

// Write добавляет отсчеты целиком или возвращает ringbuffer.ErrCapacityExceeded.
func (b *PlaybackBuffer) Write(pcm []int16) error {
	size := len(pcm) * 2
	if cap(b.scratch) < size {
		b.scratch = make([]byte, size)
	}
	raw := b.scratch[:size]
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return b.buf.Write(raw)
}

// Fill заполняет out отсчетами и возвращает число взятых из буфера.
// Недостающее дополняется нулями.
func (b *PlaybackBuffer) Fill(out []int16) int {
	if b.paused.Load() {
		if b.buf.BytesAvailable() < b.prebuffer {
			clear(out)
			return 0
		}
		b.paused.Store(false)
		b.log.WithField("buffered", b.buf.BytesAvailable()).Debug("Воспроизведение возобновлено")
	}

	size := len(out) * 2
	if cap(b.out) < size {
		b.out = make([]byte, size)
	}
	raw := b.out[:size]
	n := b.buf.Read(raw) / 2
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	if n < len(out) {
		clear(out[n:])
		b.paused.Store(true)
		b.metrics.underruns.Inc()
		b.log.Debug("Буфер воспроизведения опустел, пауза")
	}
	return n
}

// Reset очищает буфер и ставит воспроизведение на паузу.
func (b *PlaybackBuffer) Reset() {
	b.buf.Reset()
	b.paused.Store(true)
}

package flow

import (
	"encoding/binary"
	"errors"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// RelayState состояние пересылки.
type RelayState string

const (
	RelayIdle         RelayState = "idle"
	RelayPrebuffering RelayState = "prebuffering"
	RelayStreaming    RelayState = "streaming"
)

// Relay пересылает кадры SBC входящего потока в исходящий. Кадры хранятся
// в кольцевом буфере с префиксом длины. Пересылка включается, когда буфер
// превысил порог предбуферизации, и выключается только при полном
// опустошении, после чего порог нужно набрать заново.
type Relay struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *flowMetrics

	out Sender
	in  streamRef

	buf       *ringbuffer.RingBuffer
	frames    int
	frameSize int
	storage   []byte

	forwarding   bool
	readyToSend  bool
	samplesReady int
	pacer        *Pacer
}

// NewRelay создает пересылку в поток out. sched нужен только при
// ненулевом TickInterval.
func NewRelay(cfg Config, out Sender, sched runloop.Scheduler) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickInterval > 0 && sched == nil {
		return nil, errors.New("flow: таймерная пересылка без планировщика")
	}

	r := &Relay{
		cfg:     cfg,
		log:     cfg.logger("relay"),
		metrics: newFlowMetrics(cfg.Registerer, cfg.Namespace, "relay"),
		out:     out,
		buf:     ringbuffer.New(cfg.BufferBytes),
	}
	if cfg.TickInterval > 0 {
		r.pacer = NewPacer(sched, cfg.TickInterval, cfg.SampleRate, r.onTick)
	}
	return r, nil
}

// SetInput ограничивает входящие пакеты одной конечной точкой.
func (r *Relay) SetInput(connID uint16, seid uint8) {
	r.in = streamRef{connID: connID, seid: seid}
}

// State текущее состояние пересылки.
func (r *Relay) State() RelayState {
	switch {
	case r.forwarding:
		return RelayStreaming
	case r.buf.IsEmpty():
		return RelayIdle
	default:
		return RelayPrebuffering
	}
}

// BufferedBytes байты в буфере вместе с префиксами длины.
func (r *Relay) BufferedBytes() int { return r.buf.BytesAvailable() }

// BufferedFrames число кадров в буфере.
func (r *Relay) BufferedFrames() int { return r.frames }

// HandleEvent реализует avdtp.Observer.
func (r *Relay) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.MediaPacketReceived:
		if r.isOutput(ev.ConnID, ev.LocalSEID) || !r.in.matches(ev.ConnID, ev.LocalSEID) {
			return
		}
		r.PushPacket(ev.Packet)
	case avdtp.CanSendMediaPacketNow:
		if r.isOutput(ev.ConnID, ev.LocalSEID) {
			r.CanSendNow()
		}
	case avdtp.StreamSuspended:
		if r.isOutput(ev.ConnID, ev.LocalSEID) {
			r.halt("исходящий поток приостановлен")
		}
	case avdtp.StreamReleased:
		if r.isOutput(ev.ConnID, ev.LocalSEID) {
			r.halt("исходящий поток закрыт")
			r.Reset()
		}
	}
}

func (r *Relay) isOutput(connID uint16, seid uint8) bool {
	return r.out.ConnID() == connID && r.out.LocalSEID() == seid
}

// PushPacket кладет в буфер кадры медиа пакета.
func (r *Relay) PushPacket(pkt *avdtp.MediaPacket) int {
	if pkt == nil {
		return 0
	}
	return r.Push(pkt.SplitFrames())
}

// Push кладет кадры в буфер и возвращает число принятых. Кадры, не
// поместившиеся целиком вместе с префиксом, отбрасываются.
func (r *Relay) Push(frames [][]byte) int {
	accepted := 0
	var prefix [lengthPrefix]byte
	for _, frame := range frames {
		if len(frame) == 0 || len(frame) > 0xFFFF {
			continue
		}
		if r.buf.BytesFree() < lengthPrefix+len(frame) {
			dropped := len(frames) - accepted
			r.metrics.framesDropped.Add(float64(dropped))
			r.log.WithFields(logrus.Fields{
				"dropped": dropped,
				"free":    r.buf.BytesFree(),
			}).Warn("Буфер пересылки переполнен")
			break
		}
		binary.LittleEndian.PutUint16(prefix[:], uint16(len(frame)))
		_ = r.buf.Write(prefix[:])
		_ = r.buf.Write(frame)
		r.frames++
		accepted++
		if r.frameSize == 0 {
			r.frameSize = len(frame)
		}
	}
	r.metrics.bufferedBytes.Set(float64(r.buf.BytesAvailable()))
	r.trySend()
	return accepted
}

// trySend взводит защелку предбуферизации и запрашивает отправку
func (r *Relay) trySend() {
	if !r.forwarding && r.buf.BytesAvailable() > r.cfg.PrebufferBytes {
		r.forwarding = true
		r.log.WithField("buffered", r.buf.BytesAvailable()).Info("Предбуферизация завершена, пересылка начата")
		if r.pacer != nil {
			r.samplesReady = 0
			r.pacer.Start()
		}
	}
	if r.forwarding && r.pacer == nil {
		r.request()
	}
}

func (r *Relay) request() {
	if r.readyToSend || r.frames == 0 {
		return
	}
	r.readyToSend = true
	r.out.RequestCanSendNow()
}

func (r *Relay) onTick(samples int) {
	r.samplesReady += samples
	if r.readyToSend {
		return
	}
	if r.samplesReady/r.cfg.SamplesPerFrame >= r.framesPerPacket() {
		r.request()
	}
}

// framesPerPacket сколько кадров помещается в медиа пакет транспорта
func (r *Relay) framesPerPacket() int {
	n := r.cfg.MaxFramesPerPacket
	if r.frameSize > 0 {
		if fit := r.out.MaxMediaPayloadSize() / r.frameSize; fit < n {
			n = fit
		}
	}
	return max(n, 1)
}

// CanSendNow отправляет один пакет кадров. Вызывается по
// CanSendMediaPacketNow исходящего потока.
func (r *Relay) CanSendNow() {
	r.readyToSend = false
	if !r.forwarding {
		return
	}

	limit := r.framesPerPacket()
	maxPayload := r.out.MaxMediaPayloadSize()
	if cap(r.storage) < maxPayload {
		r.storage = make([]byte, 0, maxPayload)
	}
	payload := r.storage[:0]

	var prefix [lengthPrefix]byte
	count := 0
	for count < limit && r.frames > 0 {
		r.buf.Peek(prefix[:])
		size := int(binary.LittleEndian.Uint16(prefix[:]))
		if count > 0 && len(payload)+size > maxPayload {
			break
		}
		r.buf.Read(prefix[:])
		frame := r.buf.ReadN(size)
		payload = append(payload, frame...)
		r.frames--
		count++
	}

	if count > 0 {
		if err := r.out.SendMediaPayload(payload, count, false); err != nil {
			r.log.WithError(err).Warn("Медиа пакет не отправлен")
		} else {
			r.metrics.packetsSent.Inc()
		}
		r.samplesReady = max(r.samplesReady-count*r.cfg.SamplesPerFrame, 0)
	}
	r.metrics.bufferedBytes.Set(float64(r.buf.BytesAvailable()))

	if r.buf.BytesAvailable() == 0 {
		r.halt("буфер пересылки опустел")
		return
	}
	if r.pacer == nil {
		r.request()
	}
}

// halt выключает пересылку, следующий запуск снова ждет порога
func (r *Relay) halt(reason string) {
	if !r.forwarding {
		return
	}
	r.forwarding = false
	r.readyToSend = false
	r.samplesReady = 0
	if r.pacer != nil {
		r.pacer.Stop()
	}
	r.log.WithFields(logrus.Fields{
		"buffered": r.buf.BytesAvailable(),
		"reason":   reason,
	}).Info("Пересылка остановлена")
}

// Reset очищает буфер и выключает пересылку.
func (r *Relay) Reset() {
	r.halt("сброс")
	r.buf.Reset()
	r.frames = 0
	r.frameSize = 0
	r.metrics.bufferedBytes.Set(0)
}

package flow

import (
	"errors"
	"fmt"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// Decoder декодер SBC.
type Decoder interface {
	// Decode декодирует кадр в чередующиеся отсчеты dst и возвращает их число
	Decode(frame []byte, dst []int16) (int, error)
}

// SinkController буфер принятых кадров SBC приемника. Каждый принятый
// пакет пересчитывает коэффициент передискретизации: полосовым регулятором
// по числу кадров в буфере либо по измеренной частоте поступления.
// Drain декодирует кадры в PlaybackBuffer и вызывается потребителем.
type SinkController struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *flowMetrics
	sched   runloop.Scheduler

	in       streamRef
	dec      Decoder
	channels int

	frames    *ringbuffer.RingBuffer
	frameSize int
	frame     []byte

	band      *BandController
	comp      *RateCompensator
	resampler *Resampler
	playback  *PlaybackBuffer

	pcm       []int16
	resampled []int16
}

// NewSinkController создает контроллер приемника с channels каналами.
func NewSinkController(cfg Config, dec Decoder, channels int, playback *PlaybackBuffer, sched runloop.Scheduler) (*SinkController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if channels <= 0 {
		return nil, fmt.Errorf("flow: число каналов %d", channels)
	}
	if cfg.MeasuredCompensation && sched == nil {
		return nil, errors.New("flow: измерение частоты без планировщика")
	}

	s := &SinkController{
		cfg:       cfg,
		log:       cfg.logger("sink"),
		metrics:   newFlowMetrics(cfg.Registerer, cfg.Namespace, "sink"),
		sched:     sched,
		dec:       dec,
		channels:  channels,
		frames:    ringbuffer.New(cfg.BufferBytes),
		band:      NewBandController(cfg.OptimalFramesMin, cfg.OptimalFramesMax, cfg.ResampleStep),
		resampler: NewResampler(channels),
		playback:  playback,
		pcm:       make([]int16, cfg.SamplesPerFrame*channels),
	}
	if cfg.MeasuredCompensation {
		s.comp = NewRateCompensator(cfg.SampleRate, sched.Now())
	}
	s.metrics.resampleFactor.Set(1)
	return s, nil
}

// SetInput ограничивает принимаемые пакеты одной конечной точкой.
func (s *SinkController) SetInput(connID uint16, seid uint8) {
	s.in = streamRef{connID: connID, seid: seid}
}

// HandleEvent реализует avdtp.Observer.
func (s *SinkController) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.MediaPacketReceived:
		if s.in.matches(ev.ConnID, ev.LocalSEID) {
			s.PushPacket(ev.Packet)
		}
	case avdtp.StreamStarted:
		if s.in.matches(ev.ConnID, ev.LocalSEID) && s.comp != nil {
			s.comp.Reset(s.sched.Now())
		}
	case avdtp.StreamReleased:
		if s.in.matches(ev.ConnID, ev.LocalSEID) {
			s.Reset()
		}
	}
}

// BufferedFrames число кадров, ожидающих декодирования.
func (s *SinkController) BufferedFrames() int {
	if s.frameSize == 0 {
		return 0
	}
	return s.frames.BytesAvailable() / s.frameSize
}

// Factor текущий коэффициент передискретизации Q16.
func (s *SinkController) Factor() uint32 { return s.resampler.Factor() }

// PushPacket кладет кадры пакета в буфер и возвращает число принятых.
// Размер кадра берется из первого пакета и дальше считается постоянным.
func (s *SinkController) PushPacket(pkt *avdtp.MediaPacket) int {
	if pkt == nil || pkt.NumFrames == 0 {
		return 0
	}
	if s.frameSize == 0 {
		s.frameSize = pkt.FrameSize()
		s.frame = make([]byte, s.frameSize)
		s.log.WithField("frame_size", s.frameSize).Debug("Размер кадра SBC")
	}

	accepted := 0
	for _, frame := range pkt.SplitFrames() {
		if len(frame) != s.frameSize {
			continue
		}
		if err := s.frames.Write(frame); err != nil {
			s.metrics.framesDropped.Inc()
			continue
		}
		accepted++
	}
	if dropped := pkt.NumFrames - accepted; dropped > 0 {
		s.log.WithField("dropped", dropped).Warn("Кадры приемника отброшены")
	}

	var factor uint32
	if s.comp != nil {
		factor = s.comp.Update(s.sched.Now(), pkt.NumFrames*s.cfg.SamplesPerFrame)
	} else {
		factor = s.band.Update(s.BufferedFrames())
	}
	s.resampler.SetFactor(factor)
	s.metrics.resampleFactor.Set(float64(factor) / float64(unityFactor))
	return accepted
}

// Drain декодирует до maxFrames кадров в буфер воспроизведения и
// возвращает число декодированных.
func (s *SinkController) Drain(maxFrames int) (int, error) {
	decoded := 0
	for decoded < maxFrames && s.frameSize > 0 && s.frames.BytesAvailable() >= s.frameSize {
		s.frames.Read(s.frame)
		n, err := s.dec.Decode(s.frame, s.pcm)
		if err != nil {
			return decoded, fmt.Errorf("flow: декодирование кадра: %w", err)
		}
		s.resampled = s.resampler.Process(s.resampled[:0], s.pcm[:n])
		if err := s.playback.Write(s.resampled); err != nil {
			return decoded, err
		}
		decoded++
	}
	return decoded, nil
}

// Reset очищает буфер кадров и состояние передискретизации.
func (s *SinkController) Reset() {
	s.frames.Reset()
	s.frameSize = 0
	s.resampler.Reset()
	s.resampler.SetFactor(unityFactor)
	s.metrics.resampleFactor.Set(1)
	if s.comp != nil {
		s.comp.Reset(s.sched.Now())
	}
	if s.playback != nil {
		s.playback.Reset()
	}
}

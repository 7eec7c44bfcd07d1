package flow

import (
	"errors"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// maxFramesPerMediaPacket поле числа кадров в заголовке SBC занимает 4 бита
const maxFramesPerMediaPacket = 15

// Encoder кодер SBC. Математика кодека вне этого модуля.
type Encoder interface {
	// SamplesPerFrame отсчетов на канал в одном кадре
	SamplesPerFrame() int
	Channels() int
	// FrameLength длина закодированного кадра в байтах
	FrameLength() int
	// Encode кодирует один кадр чередующихся отсчетов в dst
	Encode(pcm []int16, dst []byte) (int, error)
}

// PCMSource источник чередующихся 16-битных отсчетов.
type PCMSource interface {
	ReadPCM(pcm []int16)
}

// SourceStreamer кодирует PCM по таймеру темпа и отправляет пакет, когда
// следующий кадр уже не помещается в медиа пакет.
type SourceStreamer struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *flowMetrics

	out   Sender
	enc   Encoder
	src   PCMSource
	pacer *Pacer

	pcm          []int16
	storage      []byte
	count        int
	frames       int
	maxPayload   int
	samplesReady int
	readyToSend  bool
}

// NewSourceStreamer создает остановленный кодирующий поток.
func NewSourceStreamer(cfg Config, out Sender, enc Encoder, src PCMSource, sched runloop.Scheduler) (*SourceStreamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		return nil, errors.New("flow: кодирующему потоку нужен период таймера")
	}
	if enc.SamplesPerFrame() <= 0 || enc.Channels() <= 0 || enc.FrameLength() <= 0 {
		return nil, errors.New("flow: некорректные параметры кодера")
	}

	s := &SourceStreamer{
		cfg:     cfg,
		log:     cfg.logger("source"),
		metrics: newFlowMetrics(cfg.Registerer, cfg.Namespace, "source"),
		out:     out,
		enc:     enc,
		src:     src,
		pcm:     make([]int16, enc.SamplesPerFrame()*enc.Channels()),
	}
	s.pacer = NewPacer(sched, cfg.TickInterval, cfg.SampleRate, s.onTick)
	return s, nil
}

// Streaming сообщает, что таймер кодирования запущен.
func (s *SourceStreamer) Streaming() bool { return s.pacer.Running() }

// PendingFrames закодированные, но еще не отправленные кадры.
func (s *SourceStreamer) PendingFrames() int { return s.frames }

// HandleEvent реализует avdtp.Observer.
func (s *SourceStreamer) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.StreamStarted:
		if s.isOutput(ev.ConnID, ev.LocalSEID) {
			s.Start()
		}
	case avdtp.StreamSuspended:
		if s.isOutput(ev.ConnID, ev.LocalSEID) {
			s.Stop()
		}
	case avdtp.StreamReleased:
		if s.isOutput(ev.ConnID, ev.LocalSEID) {
			s.Stop()
		}
	case avdtp.CanSendMediaPacketNow:
		if s.isOutput(ev.ConnID, ev.LocalSEID) {
			s.CanSendNow()
		}
	}
}

func (s *SourceStreamer) isOutput(connID uint16, seid uint8) bool {
	return s.out.ConnID() == connID && s.out.LocalSEID() == seid
}

// Start запускает кодирование с пустым буфером пакета.
func (s *SourceStreamer) Start() {
	s.maxPayload = s.out.MaxMediaPayloadSize()
	if cap(s.storage) < s.maxPayload {
		s.storage = make([]byte, s.maxPayload)
	}
	s.count, s.frames, s.samplesReady = 0, 0, 0
	s.readyToSend = false
	s.pacer.Start()
	s.log.WithField("max_payload", s.maxPayload).Info("Кодирование запущено")
}

// Stop останавливает таймер и отбрасывает неотправленные кадры.
func (s *SourceStreamer) Stop() {
	if !s.pacer.Running() {
		return
	}
	s.pacer.Stop()
	s.count, s.frames, s.samplesReady = 0, 0, 0
	s.readyToSend = false
	s.log.Info("Кодирование остановлено")
}

// SetSampleRate меняет частоту после реконфигурации.
func (s *SourceStreamer) SetSampleRate(hz int) {
	s.cfg.SampleRate = hz
	s.pacer.SetSampleRate(hz)
}

func (s *SourceStreamer) onTick(samples int) {
	s.samplesReady += samples
	if s.readyToSend {
		return
	}
	s.fill()
	if s.count+s.enc.FrameLength() > s.maxPayload || s.frames >= maxFramesPerMediaPacket {
		s.readyToSend = true
		s.out.RequestCanSendNow()
	}
}

// fill кодирует готовые отсчеты, пока кадры помещаются в пакет
func (s *SourceStreamer) fill() {
	spf := s.enc.SamplesPerFrame()
	frameLen := s.enc.FrameLength()
	for s.samplesReady >= spf && s.maxPayload-s.count >= frameLen && s.frames < maxFramesPerMediaPacket {
		s.src.ReadPCM(s.pcm)
		n, err := s.enc.Encode(s.pcm, s.storage[s.count:s.count+frameLen])
		if err != nil {
			s.log.WithError(err).Warn("Кадр не закодирован")
			return
		}
		s.count += n
		s.frames++
		s.samplesReady -= spf
	}
}

// CanSendNow отправляет накопленные кадры одним пакетом.
func (s *SourceStreamer) CanSendNow() {
	s.readyToSend = false
	if s.frames == 0 {
		return
	}
	if err := s.out.SendMediaPayload(s.storage[:s.count], s.frames, false); err != nil {
		s.log.WithError(err).Warn("Медиа пакет не отправлен")
	} else {
		s.metrics.packetsSent.Inc()
	}
	s.count, s.frames = 0, 0
}

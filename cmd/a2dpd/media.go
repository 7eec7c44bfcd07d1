package main

import (
	"errors"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/flow"
	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

const (
	sbcSyncWord      = 0x9C
	sbcCRCInit       = 0x0F
	sbcCRCPolynomial = 0x1D // x^8 + x^4 + x^3 + x^2 + 1

	// Пустое устройство воспроизведения всегда стерео
	deviceChannels = 2
	playbackMs     = 500
	prebufferMs    = 100
)

// silentEncoder формирует кадры SBC с нулевыми масштабными множителями и
// нулевыми отсчетами, которые приемник декодирует в тишину.
type silentEncoder struct {
	info  avdtp.SBCInfo
	frame []byte
}

func (e *silentEncoder) configure(info avdtp.SBCInfo) {
	e.info = info
	bitpool := int(info.MaxBitpool)
	e.frame = make([]byte, info.FrameLength(bitpool))
	e.frame[0] = sbcSyncWord
	e.frame[1] = sbcHeaderByte(info)
	e.frame[2] = byte(bitpool)

	sb := info.SubbandCount()
	zeroBits := 4 * info.Channels() * sb
	if info.ChannelModes&avdtp.SBCJointStereo != 0 {
		zeroBits += sb
	}
	e.frame[3] = sbcCRC(e.frame[1:3], zeroBits)
}

func (e *silentEncoder) SamplesPerFrame() int { return e.info.SamplesPerFrame() }
func (e *silentEncoder) Channels() int        { return e.info.Channels() }
func (e *silentEncoder) FrameLength() int     { return len(e.frame) }

func (e *silentEncoder) Encode(_ []int16, dst []byte) (int, error) {
	if len(e.frame) == 0 {
		return 0, errors.New("кодер не сконфигурирован")
	}
	return copy(dst, e.frame), nil
}

// sbcHeaderByte второй байт заголовка кадра: частота, блоки, режим
// каналов, распределение и подполосы
func sbcHeaderByte(info avdtp.SBCInfo) byte {
	var freq, blocks, mode byte
	switch info.SamplingFrequency() {
	case 32000:
		freq = 1
	case 44100:
		freq = 2
	case 48000:
		freq = 3
	}
	blocks = byte(info.BlockLength()/4 - 1)
	switch {
	case info.ChannelModes&avdtp.SBCJointStereo != 0:
		mode = 3
	case info.ChannelModes&avdtp.SBCStereo != 0:
		mode = 2
	case info.ChannelModes&avdtp.SBCDualChannel != 0:
		mode = 1
	}
	b := freq<<6 | blocks<<4 | mode<<2
	if info.AllocationMethods&avdtp.SBCAllocationSNR != 0 {
		b |= 1 << 1
	}
	if info.SubbandCount() == 8 {
		b |= 1
	}
	return b
}

// sbcCRC CRC-8 заголовка и масштабных множителей; нулевые биты множителей
// передаются числом zeroBits
func sbcCRC(data []byte, zeroBits int) byte {
	crc := byte(sbcCRCInit)
	feed := func(bit byte) {
		top := crc>>7 ^ bit
		crc <<= 1
		if top == 1 {
			crc ^= sbcCRCPolynomial
		}
	}
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			feed(b >> i & 1)
		}
	}
	for i := 0; i < zeroBits; i++ {
		feed(0)
	}
	return crc
}

// silence источник PCM без звука
type silence struct{}

func (silence) ReadPCM(pcm []int16) { clear(pcm) }

// nullDecoder выдает тишину длиной в кадр, моно дублируется в стерео.
type nullDecoder struct {
	samplesPerFrame int
}

func (d *nullDecoder) Decode(_ []byte, dst []int16) (int, error) {
	n := min(d.samplesPerFrame*deviceChannels, len(dst))
	clear(dst[:n])
	return n, nil
}

// streamSwitch исходящий поток, который перепривязывается к каждому новому
// установленному потоку профиля.
type streamSwitch struct {
	current *avdtp.Stream
}

func (s *streamSwitch) ConnID() uint16 {
	if s.current == nil {
		return 0
	}
	return s.current.ConnID()
}

func (s *streamSwitch) LocalSEID() uint8 {
	if s.current == nil {
		return 0
	}
	return s.current.LocalSEID()
}

func (s *streamSwitch) RequestCanSendNow() {
	if s.current != nil {
		s.current.RequestCanSendNow()
	}
}

func (s *streamSwitch) SendMediaPayload(payload []byte, numFrames int, marker bool) error {
	if s.current == nil {
		return avdtp.ErrNoMediaChannel
	}
	return s.current.SendMediaPayload(payload, numFrames, marker)
}

func (s *streamSwitch) MaxMediaPayloadSize() int {
	if s.current == nil {
		return 0
	}
	return s.current.MaxMediaPayloadSize()
}

// mediaPipeline привязывает контроллеры потока к потокам профиля.
// Источник кодирует тишину, приемник проигрывает в пустое устройство,
// которое забирает отсчеты по таймеру с частотой потока.
type mediaPipeline struct {
	log     logrus.FieldLogger
	engine  *avdtp.Engine
	seid    uint8
	configs map[uint16]avdtp.SBCInfo
	connID  uint16

	stream  *streamSwitch
	encoder *silentEncoder
	source  *flow.SourceStreamer

	decoder  *nullDecoder
	sink     *flow.SinkController
	playback *flow.PlaybackBuffer
	device   *flow.Pacer
	out      []int16
}

func newMediaPipeline(cfg flow.Config, role avdtp.SepType, engine *avdtp.Engine, seid uint8, sched runloop.Scheduler) (*mediaPipeline, error) {
	// Таймер нужен и кодеру, и пустому устройству
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = flow.DefaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &mediaPipeline{
		log:     logger.WithField("component", "media"),
		engine:  engine,
		seid:    seid,
		configs: make(map[uint16]avdtp.SBCInfo),
	}

	if role == avdtp.SepSource {
		p.stream = &streamSwitch{}
		p.encoder = &silentEncoder{}
		source, err := flow.NewSourceStreamer(cfg, p.stream, p.encoder, silence{}, sched)
		if err != nil {
			return nil, err
		}
		p.source = source
		return p, nil
	}

	bytesPerMs := cfg.SampleRate * deviceChannels * 2 / 1000
	p.playback = flow.NewPlaybackBuffer(cfg, playbackMs*bytesPerMs, prebufferMs*bytesPerMs)
	p.decoder = &nullDecoder{samplesPerFrame: cfg.SamplesPerFrame}
	sink, err := flow.NewSinkController(cfg, p.decoder, deviceChannels, p.playback, sched)
	if err != nil {
		return nil, err
	}
	p.sink = sink
	p.device = flow.NewPacer(sched, cfg.TickInterval, cfg.SampleRate, p.play)
	return p, nil
}

// HandleEvent реализует avdtp.Observer.
func (p *mediaPipeline) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.CodecConfiguration:
		if ev.LocalSEID != p.seid || ev.Codec != avdtp.CodecSBC {
			break
		}
		info, err := avdtp.ParseSBCInfo(ev.Info)
		if err != nil {
			p.log.WithError(err).Warn("Конфигурация SBC не разобрана")
			break
		}
		p.configs[ev.ConnID] = info
		if ev.Reconfigure && p.bound(ev.ConnID) {
			p.apply(info)
		}
	case avdtp.StreamEstablished:
		if ev.LocalSEID == p.seid && ev.Status == avdtp.StatusSuccess {
			p.bind(ev.ConnID)
		}
	case avdtp.StreamStarted:
		if p.device != nil && p.bound(ev.ConnID) && ev.LocalSEID == p.seid {
			p.device.Start()
		}
	case avdtp.StreamSuspended, avdtp.StreamReleased:
		if p.device != nil {
			p.device.Stop()
		}
	case avdtp.SignalingConnectionReleased:
		delete(p.configs, ev.ConnID)
		if p.connID == ev.ConnID {
			p.connID = 0
		}
	}

	if p.source != nil {
		p.source.HandleEvent(ev)
	}
	if p.sink != nil {
		p.sink.HandleEvent(ev)
	}
}

func (p *mediaPipeline) bound(connID uint16) bool {
	return p.connID != 0 && p.connID == connID
}

func (p *mediaPipeline) bind(connID uint16) {
	info, ok := p.configs[connID]
	if !ok {
		p.log.WithField("cid", connID).Warn("Поток без конфигурации SBC")
		return
	}
	p.connID = connID
	if p.stream != nil {
		p.stream.current = p.engine.Stream(connID, p.seid)
	}
	if p.sink != nil {
		p.sink.SetInput(connID, p.seid)
	}
	p.apply(info)
	p.log.WithFields(logrus.Fields{
		"cid":       connID,
		"frequency": info.SamplingFrequency(),
		"channels":  info.Channels(),
	}).Info("Медиа поток привязан")
}

func (p *mediaPipeline) apply(info avdtp.SBCInfo) {
	if p.source != nil {
		p.source.Stop()
		p.encoder.configure(info)
		p.source.SetSampleRate(info.SamplingFrequency())
	}
	if p.device != nil {
		p.decoder.samplesPerFrame = info.SamplesPerFrame()
		p.device.SetSampleRate(info.SamplingFrequency())
	}
}

// play забирает samples отсчетов на канал, как это делал бы аудио драйвер
func (p *mediaPipeline) play(samples int) {
	spf := p.decoder.samplesPerFrame
	if _, err := p.sink.Drain((samples + spf - 1) / spf); err != nil && !errors.Is(err, ringbuffer.ErrCapacityExceeded) {
		p.log.WithError(err).Warn("Кадры не декодированы")
	}
	need := samples * deviceChannels
	if cap(p.out) < need {
		p.out = make([]int16, need)
	}
	p.playback.Fill(p.out[:need])
}

package flow_test

import (
	"errors"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/flow"
	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	payload []byte
	frames  int
}

// fakeSender исходящий поток, запоминающий запросы и пакеты
type fakeSender struct {
	connID     uint16
	seid       uint8
	maxPayload int
	requests   int
	pending    bool
	packets    []sentPacket
}

func (s *fakeSender) ConnID() uint16           { return s.connID }
func (s *fakeSender) LocalSEID() uint8         { return s.seid }
func (s *fakeSender) MaxMediaPayloadSize() int { return s.maxPayload }

func (s *fakeSender) RequestCanSendNow() {
	s.requests++
	s.pending = true
}

func (s *fakeSender) SendMediaPayload(payload []byte, numFrames int, _ bool) error {
	s.packets = append(s.packets, sentPacket{payload: append([]byte(nil), payload...), frames: numFrames})
	return nil
}

func testConfig(t *testing.T) flow.Config {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := flow.DefaultConfig()
	cfg.Logger = logger
	cfg.Registerer = prometheus.NewRegistry()
	return cfg
}

func frames(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		frame := make([]byte, size)
		for j := range frame {
			frame[j] = byte(i)
		}
		out[i] = frame
	}
	return out
}

func TestRateAccumulatorCarriesRemainder(t *testing.T) {
	tests := []struct {
		rate   int
		tickMs int
	}{
		{44100, 1},
		{44100, 5},
		{48000, 3},
		{32000, 5},
		{16000, 7},
	}
	for _, tt := range tests {
		acc := flow.NewRateAccumulator(tt.rate)
		total := 0
		ticks := 3000 / tt.tickMs
		for i := 0; i < ticks; i++ {
			samples := acc.Tick(tt.tickMs)
			exact := tt.tickMs * tt.rate / 1000
			assert.True(t, samples == exact || samples == exact+1, "rate %d tick %d: %d", tt.rate, tt.tickMs, samples)
			total += samples
		}
		assert.Equal(t, ticks*tt.tickMs*tt.rate/1000, total, "rate %d tick %d", tt.rate, tt.tickMs)
	}

	acc := flow.NewRateAccumulator(44100)
	assert.Equal(t, 220, acc.Tick(5))
	assert.Equal(t, 221, acc.Tick(5))
	assert.Zero(t, acc.Tick(0))
}

// lateScheduler срабатывает таймерами с постоянным опозданием
type lateScheduler struct {
	*runloop.Manual
	late time.Duration
}

func (s lateScheduler) AfterFunc(d time.Duration, fn func()) runloop.Timer {
	return s.Manual.AfterFunc(d+s.late, fn)
}

// TestPacerKeepsRateWithLateTicks проверяет, что доли миллисекунды
// опоздавших тиков не теряются
func TestPacerKeepsRateWithLateTicks(t *testing.T) {
	sched := lateScheduler{Manual: runloop.NewManual(time.Unix(0, 0)), late: 900 * time.Microsecond}
	produced, ticks := 0, 0
	pacer := flow.NewPacer(sched, 5*time.Millisecond, 44100, func(samples int) {
		produced += samples
		ticks++
	})

	pacer.Start()
	sched.Advance(5900 * time.Millisecond)
	pacer.Stop()

	assert.Equal(t, 1000, ticks)
	assert.Equal(t, 260190, produced)
}

func TestRelayHysteresis(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	out := &fakeSender{connID: 0x41, seid: 1, maxPayload: 882}
	relay, err := flow.NewRelay(cfg, out, nil)
	require.NoError(t, err)

	drain := func() {
		for out.pending {
			out.pending = false
			relay.CanSendNow()
		}
	}

	// 98 кадров по 100 байт с префиксом дают 9996 байт, порог не превышен
	assert.Equal(t, 98, relay.Push(frames(98, 100)))
	assert.Equal(t, 9996, relay.BufferedBytes())
	assert.Equal(t, flow.RelayPrebuffering, relay.State())
	assert.Zero(t, out.requests)

	relay.Push(frames(1, 100))
	assert.Equal(t, flow.RelayStreaming, relay.State())
	assert.Equal(t, 1, out.requests)

	drain()
	assert.Zero(t, relay.BufferedBytes())
	assert.Equal(t, flow.RelayIdle, relay.State())
	require.Len(t, out.packets, 20)
	for _, pkt := range out.packets[:19] {
		assert.Equal(t, 5, pkt.frames)
		assert.Len(t, pkt.payload, 500)
	}
	assert.Equal(t, 4, out.packets[19].frames)

	// После опустошения частичное заполнение не возобновляет пересылку
	requests := out.requests
	relay.Push(frames(50, 100))
	assert.Equal(t, flow.RelayPrebuffering, relay.State())
	assert.Equal(t, requests, out.requests)
	relay.Push(frames(48, 100))
	assert.Equal(t, 9996, relay.BufferedBytes())
	assert.Equal(t, requests, out.requests)

	relay.Push(frames(1, 100))
	assert.Equal(t, flow.RelayStreaming, relay.State())
	assert.Equal(t, requests+1, out.requests)
}

func TestRelayFramesPerPacketBoundedByPayload(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	out := &fakeSender{connID: 0x41, seid: 1, maxPayload: 250}
	relay, err := flow.NewRelay(cfg, out, nil)
	require.NoError(t, err)

	relay.Push(frames(101, 100))
	out.pending = false
	relay.CanSendNow()
	require.Len(t, out.packets, 1)
	assert.Equal(t, 2, out.packets[0].frames)
	assert.Equal(t, []byte{0, 0}, out.packets[0].payload[:2])
	assert.Equal(t, byte(1), out.packets[0].payload[100])
}

func TestRelayTimerPacing(t *testing.T) {
	cfg := testConfig(t)
	loop := runloop.NewManual(time.Unix(0, 0))
	out := &fakeSender{connID: 0x41, seid: 1, maxPayload: 882}
	relay, err := flow.NewRelay(cfg, out, loop)
	require.NoError(t, err)

	relay.Push(frames(99, 100))
	assert.Equal(t, flow.RelayStreaming, relay.State())
	assert.Equal(t, 1, loop.ActiveTimers())
	assert.Zero(t, out.requests)

	// 5 кадров по 128 отсчетов требуют 640 отсчетов, три тика дают 661
	loop.Advance(10 * time.Millisecond)
	assert.Zero(t, out.requests)
	loop.Advance(5 * time.Millisecond)
	assert.Equal(t, 1, out.requests)

	// Повторный запрос не выдается, пока отправка не выполнена
	loop.Advance(5 * time.Millisecond)
	assert.Equal(t, 1, out.requests)

	for i := 0; i < 1000 && relay.State() == flow.RelayStreaming; i++ {
		if out.pending {
			out.pending = false
			relay.CanSendNow()
		}
		loop.Advance(5 * time.Millisecond)
	}
	assert.Equal(t, flow.RelayIdle, relay.State())
	assert.Zero(t, loop.ActiveTimers())

	sent := 0
	for _, pkt := range out.packets {
		sent += pkt.frames
	}
	assert.Equal(t, 99, sent)
}

func TestRelayDropsOverflow(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	cfg.PrebufferBytes = 1000
	cfg.BufferBytes = 1100
	relay, err := flow.NewRelay(cfg, &fakeSender{maxPayload: 882}, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, relay.Push(frames(12, 100)))
	assert.Equal(t, 10, relay.BufferedFrames())
	assert.Equal(t, 1020, relay.BufferedBytes())
}

func TestRelayEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	cfg.PrebufferBytes = 200
	out := &fakeSender{connID: 0x42, seid: 2, maxPayload: 882}
	relay, err := flow.NewRelay(cfg, out, nil)
	require.NoError(t, err)
	relay.SetInput(0x41, 1)

	pkt := &avdtp.MediaPacket{NumFrames: 3, Frames: make([]byte, 300)}
	relay.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x50, LocalSEID: 1, Packet: pkt})
	assert.Zero(t, relay.BufferedFrames())

	relay.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x41, LocalSEID: 1, Packet: pkt})
	assert.Equal(t, 3, relay.BufferedFrames())
	assert.Equal(t, flow.RelayStreaming, relay.State())

	relay.HandleEvent(avdtp.CanSendMediaPacketNow{ConnID: 0x41, LocalSEID: 1})
	assert.Empty(t, out.packets)
	relay.HandleEvent(avdtp.CanSendMediaPacketNow{ConnID: 0x42, LocalSEID: 2})
	require.Len(t, out.packets, 1)
	assert.Equal(t, 3, out.packets[0].frames)
	assert.Equal(t, flow.RelayIdle, relay.State())

	relay.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x41, LocalSEID: 1, Packet: pkt})
	relay.HandleEvent(avdtp.StreamReleased{ConnID: 0x42, LocalSEID: 2})
	assert.Zero(t, relay.BufferedBytes())
	assert.Equal(t, flow.RelayIdle, relay.State())
}

// fakeEncoder кодер с фиксированной длиной кадра
type fakeEncoder struct {
	frameLen int
	encoded  int
}

func (e *fakeEncoder) SamplesPerFrame() int { return 128 }
func (e *fakeEncoder) Channels() int        { return 2 }
func (e *fakeEncoder) FrameLength() int     { return e.frameLen }

func (e *fakeEncoder) Encode(pcm []int16, dst []byte) (int, error) {
	e.encoded++
	for i := range dst[:e.frameLen] {
		dst[i] = byte(pcm[0])
	}
	return e.frameLen, nil
}

type countingSource struct {
	reads int
}

func (s *countingSource) ReadPCM(pcm []int16) {
	s.reads++
	for i := range pcm {
		pcm[i] = int16(s.reads)
	}
}

func TestSourceStreamerPacing(t *testing.T) {
	cfg := testConfig(t)
	loop := runloop.NewManual(time.Unix(0, 0))
	out := &fakeSender{connID: 0x41, seid: 1, maxPayload: 882}
	enc := &fakeEncoder{frameLen: 100}
	src := &countingSource{}
	streamer, err := flow.NewSourceStreamer(cfg, out, enc, src, loop)
	require.NoError(t, err)

	streamer.HandleEvent(avdtp.StreamStarted{ConnID: 0x41, LocalSEID: 1})
	require.True(t, streamer.Streaming())

	// Четыре тика дают 882 отсчета, это 6 кадров
	loop.Advance(20 * time.Millisecond)
	assert.Equal(t, 6, streamer.PendingFrames())
	assert.Zero(t, out.requests)

	// Восьмой кадр заполняет пакет: девятый уже не поместится
	loop.Advance(5 * time.Millisecond)
	assert.Equal(t, 8, streamer.PendingFrames())
	assert.Equal(t, 1, out.requests)

	streamer.HandleEvent(avdtp.CanSendMediaPacketNow{ConnID: 0x41, LocalSEID: 1})
	require.Len(t, out.packets, 1)
	assert.Equal(t, 8, out.packets[0].frames)
	assert.Len(t, out.packets[0].payload, 800)
	assert.Equal(t, byte(1), out.packets[0].payload[0])
	assert.Equal(t, byte(8), out.packets[0].payload[799])
	assert.Zero(t, streamer.PendingFrames())

	streamer.HandleEvent(avdtp.StreamSuspended{ConnID: 0x41, LocalSEID: 1})
	assert.False(t, streamer.Streaming())
	assert.Zero(t, loop.ActiveTimers())
}

func TestSourceStreamerRequiresTimer(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	_, err := flow.NewSourceStreamer(cfg, &fakeSender{}, &fakeEncoder{frameLen: 100}, &countingSource{}, nil)
	require.Error(t, err)
}

func TestBandController(t *testing.T) {
	band := flow.NewBandController(30, 80, 2)
	tests := []struct {
		frames int
		want   uint32
	}{
		{0, 0x10000 - 2},
		{29, 0x10000 - 2},
		{30, 0x10000},
		{55, 0x10000},
		{80, 0x10000},
		{81, 0x10000 + 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, band.Update(tt.frames), "frames %d", tt.frames)
	}
}

func TestRateCompensator(t *testing.T) {
	start := time.Unix(100, 0)
	comp := flow.NewRateCompensator(44100, start)

	// До истечения секунды коэффициент номинальный
	assert.Equal(t, uint32(0x10000), comp.Update(start.Add(500*time.Millisecond), 20000))

	comp.Reset(start)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, uint32(0x10000), comp.Update(start.Add(time.Duration(i)*time.Second), 44100))
	}

	// Передатчик на 1% быстрее: коэффициент сходится к 1.01
	comp.Reset(start)
	var factor uint32
	for i := 1; i <= 120; i++ {
		factor = comp.Update(start.Add(time.Duration(i)*time.Second), 44541)
	}
	assert.InDelta(t, 66191, float64(factor), 40)
	assert.InDelta(t, 44541, comp.MeasuredRate(), 1)
}

func TestResampler(t *testing.T) {
	t.Run("unity", func(t *testing.T) {
		r := flow.NewResampler(1)
		out := r.Process(nil, []int16{1, 2, 3, 4, 5, 6, 7, 8})
		assert.Equal(t, []int16{0, 1, 2, 3, 4, 5, 6, 7}, out)
		out = r.Process(nil, []int16{9, 10, 11, 12})
		assert.Equal(t, []int16{8, 9, 10, 11}, out)
	})

	t.Run("stretch", func(t *testing.T) {
		r := flow.NewResampler(1)
		r.SetFactor(0x8000)
		out := r.Process(nil, []int16{2, 4, 6, 8})
		assert.Equal(t, []int16{0, 1, 2, 3, 4, 5, 6, 7}, out)
	})

	t.Run("compress", func(t *testing.T) {
		r := flow.NewResampler(1)
		r.SetFactor(0x20000)
		out := r.Process(nil, []int16{2, 4, 6, 8, 10, 12, 14, 16})
		assert.Equal(t, []int16{0, 4, 8, 12}, out)
		out = r.Process(nil, []int16{18, 20, 22, 24})
		assert.Equal(t, []int16{16, 20}, out)
	})

	t.Run("stereo", func(t *testing.T) {
		r := flow.NewResampler(2)
		out := r.Process(nil, []int16{10, -10, 20, -20})
		assert.Equal(t, []int16{0, 0, 10, -10}, out)
	})

	t.Run("drift", func(t *testing.T) {
		r := flow.NewResampler(1)
		r.SetFactor(0x10000 + 0x100)
		in := make([]int16, 256)
		total := 0
		for i := 0; i < 100; i++ {
			total += len(r.Process(nil, in))
		}
		assert.Less(t, total, 25600)
		assert.Greater(t, total, 25300)
	})
}

func TestPlaybackBuffer(t *testing.T) {
	cfg := testConfig(t)
	pb := flow.NewPlaybackBuffer(cfg, 64, 8)
	out := make([]int16, 3)

	assert.Zero(t, pb.Fill(out))
	assert.True(t, pb.Paused())

	require.NoError(t, pb.Write([]int16{1, -2}))
	out = []int16{9, 9, 9}
	assert.Zero(t, pb.Fill(out))
	assert.Equal(t, []int16{0, 0, 0}, out)

	require.NoError(t, pb.Write([]int16{3, -4}))
	assert.Equal(t, 3, pb.Fill(out))
	assert.Equal(t, []int16{1, -2, 3}, out)
	assert.False(t, pb.Paused())

	assert.Equal(t, 1, pb.Fill(out))
	assert.Equal(t, []int16{-4, 0, 0}, out)
	assert.True(t, pb.Paused())

	require.Error(t, pb.Write(make([]int16, 40)))
}

// TestPlaybackBufferConcurrentFill пишет с одной горутины и забирает
// отсчеты с другой, как цикл событий и аудио устройство; запускать с -race
func TestPlaybackBufferConcurrentFill(t *testing.T) {
	const total = 30000
	pb := flow.NewPlaybackBuffer(testConfig(t), 512, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		chunk := make([]int16, 0, 7)
		for next := 1; next <= total; {
			chunk = chunk[:0]
			for v := next; v <= total && len(chunk) < cap(chunk); v++ {
				chunk = append(chunk, int16(v))
			}
			if err := pb.Write(chunk); err != nil {
				if !errors.Is(err, ringbuffer.ErrCapacityExceeded) {
					t.Errorf("запись: %v", err)
					return
				}
				runtime.Gosched()
				continue
			}
			next += len(chunk)
		}
	}()

	var last, outOfOrder int
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(10 * time.Second)
		out := make([]int16, 16)
		for last < total && time.Now().Before(deadline) {
			n := pb.Fill(out)
			for _, v := range out[:n] {
				if int(v) != last+1 {
					outOfOrder++
				}
				last = int(v)
			}
			if n == 0 {
				runtime.Gosched()
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, total, last)
	assert.Zero(t, outOfOrder)
}

// constDecoder выдает 128 стерео отсчетов со значением первого байта кадра
type constDecoder struct{}

func (constDecoder) Decode(frame []byte, dst []int16) (int, error) {
	n := min(256, len(dst))
	for i := range dst[:n] {
		dst[i] = int16(frame[0])
	}
	return n, nil
}

func TestSinkControllerBand(t *testing.T) {
	cfg := testConfig(t)
	cfg.OptimalFramesMin = 3
	cfg.OptimalFramesMax = 6
	pb := flow.NewPlaybackBuffer(cfg, 16*1024, 1024)
	sink, err := flow.NewSinkController(cfg, constDecoder{}, 2, pb, nil)
	require.NoError(t, err)
	sink.SetInput(0x41, 1)

	packet := func(n int) *avdtp.MediaPacket {
		return &avdtp.MediaPacket{NumFrames: n, Frames: make([]byte, n*60)}
	}

	sink.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x41, LocalSEID: 1, Packet: packet(2)})
	assert.Equal(t, 2, sink.BufferedFrames())
	assert.Equal(t, uint32(0x10000-2), sink.Factor())

	sink.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x41, LocalSEID: 1, Packet: packet(2)})
	assert.Equal(t, uint32(0x10000), sink.Factor())

	sink.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x41, LocalSEID: 1, Packet: packet(4)})
	assert.Equal(t, 8, sink.BufferedFrames())
	assert.Equal(t, uint32(0x10000+2), sink.Factor())

	sink.HandleEvent(avdtp.MediaPacketReceived{ConnID: 0x99, LocalSEID: 1, Packet: packet(4)})
	assert.Equal(t, 8, sink.BufferedFrames())

	decoded, err := sink.Drain(5)
	require.NoError(t, err)
	assert.Equal(t, 5, decoded)
	assert.Equal(t, 3, sink.BufferedFrames())
	assert.Greater(t, pb.BytesAvailable(), 0)

	sink.HandleEvent(avdtp.StreamReleased{ConnID: 0x41, LocalSEID: 1})
	assert.Zero(t, sink.BufferedFrames())
	assert.Zero(t, pb.BytesAvailable())
	assert.Equal(t, uint32(0x10000), sink.Factor())
}

func TestSinkControllerMeasuredCompensation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MeasuredCompensation = true
	cfg.SampleRate = 44100
	loop := runloop.NewManual(time.Unix(0, 0))
	pb := flow.NewPlaybackBuffer(cfg, 64*1024, 1024)
	sink, err := flow.NewSinkController(cfg, constDecoder{}, 2, pb, loop)
	require.NoError(t, err)

	pkt := &avdtp.MediaPacket{NumFrames: 1, Frames: make([]byte, 60)}
	sink.PushPacket(pkt)
	assert.Equal(t, uint32(0x10000), sink.Factor())

	_, err = flow.NewSinkController(cfg, constDecoder{}, 2, pb, nil)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *flow.Config)
	}{
		{"sample rate", func(c *flow.Config) { c.SampleRate = 0 }},
		{"buffer below prebuffer", func(c *flow.Config) { c.BufferBytes = c.PrebufferBytes }},
		{"frames per packet", func(c *flow.Config) { c.MaxFramesPerPacket = 16 }},
		{"band", func(c *flow.Config) { c.OptimalFramesMin = 90 }},
		{"step", func(c *flow.Config) { c.ResampleStep = 0x10000 }},
	}
	require.NoError(t, flow.DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := flow.DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

package a2dp_test

import (
	"io"
	"testing"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/a2dp"
	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sourceAddr = l2cap.MustParseAddr("00:1B:DC:0F:10:01")
	sinkAddr   = l2cap.MustParseAddr("00:1B:DC:0F:10:02")
	fakeAddr   = l2cap.MustParseAddr("00:1B:DC:0F:10:03")
)

type recorder struct {
	events []avdtp.Event
}

func (r *recorder) HandleEvent(ev avdtp.Event) {
	r.events = append(r.events, ev)
}

func eventsOf[T avdtp.Event](r *recorder) []T {
	var out []T
	for _, ev := range r.events {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func acceptedSignals(r *recorder, signal avdtp.SignalID) []avdtp.CommandAccepted {
	var out []avdtp.CommandAccepted
	for _, ev := range eventsOf[avdtp.CommandAccepted](r) {
		if ev.Signal == signal && !ev.IsInitiator {
			out = append(out, ev)
		}
	}
	return out
}

// testEnv профиль источника и движок удаленного приемника в общей шине
type testEnv struct {
	loop    *runloop.Manual
	hub     *l2cap.MemoryHub
	reg     *prometheus.Registry
	profile *a2dp.Profile
	rec     *recorder
	local   *avdtp.StreamEndpoint

	remote    *avdtp.Engine
	remoteRec *recorder
}

func newTestEnv(t *testing.T, localCaps avdtp.SBCInfo, configure func(cfg *a2dp.Config)) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		loop:      runloop.NewManual(time.Unix(0, 0)),
		reg:       prometheus.NewRegistry(),
		rec:       &recorder{},
		remoteRec: &recorder{},
	}
	env.hub = l2cap.NewMemoryHub(logger)

	engineCfg := avdtp.DefaultConfig()
	engineCfg.Logger = logger
	engine := avdtp.NewEngine(engineCfg, env.hub.NewDevice(sourceAddr, env.loop))

	cfg := a2dp.DefaultConfig(avdtp.SepSource)
	cfg.Logger = logger
	cfg.Registerer = env.reg
	if configure != nil {
		configure(&cfg)
	}
	env.profile = a2dp.NewProfile(cfg, engine, env.loop)
	env.profile.Subscribe(env.rec)

	var err error
	env.local, err = env.profile.CreateSBCEndpoint(localCaps, true)
	require.NoError(t, err)

	remoteCfg := avdtp.DefaultConfig()
	remoteCfg.Logger = logger
	env.remote = avdtp.NewEngine(remoteCfg, env.hub.NewDevice(sinkAddr, env.loop))
	env.remote.Subscribe(env.remoteRec)
	return env
}

func (env *testEnv) addRemoteEndpoint(t *testing.T, sep avdtp.SepType, codec avdtp.CodecType, info []byte) *avdtp.StreamEndpoint {
	t.Helper()
	ep, err := env.remote.CreateStreamEndpoint(sep, avdtp.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, ep.RegisterCapability(avdtp.CategoryMediaTransport, nil))
	require.NoError(t, ep.RegisterCapability(avdtp.CategoryMediaCodec, avdtp.MediaCodecPayload(avdtp.MediaAudio, codec, info)))
	return ep
}

func (env *testEnv) streamsEstablished(t *testing.T, status avdtp.Status) float64 {
	return metricValue(t, env.reg, "a2dp_a2dp_streams_established_total", map[string]string{"status": status.String()})
}

func (env *testEnv) counter(t *testing.T, name string) float64 {
	return metricValue(t, env.reg, name, nil)
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestEstablishStream(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	remoteEP := env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(35).Marshal())
	require.NoError(t, remoteEP.RegisterCapability(avdtp.CategoryDelayReporting, nil))

	cid, err := env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusSuccess, established[0].Status)
	assert.Equal(t, cid, established[0].ConnID)
	assert.Equal(t, remoteEP.SEID(), established[0].RemoteSEID)

	info, ok := env.profile.Session(cid)
	require.True(t, ok)
	assert.Equal(t, a2dp.PhaseStreamingOpened, info.Phase)
	assert.False(t, info.OutgoingActive)
	assert.True(t, info.Configured)
	assert.Equal(t, avdtp.StateOpened, remoteEP.State())
	assert.True(t, remoteEP.Configuration().Has(avdtp.CategoryDelayReporting))
	assert.Equal(t, float64(1), env.streamsEstablished(t, avdtp.StatusSuccess))

	// Выбор SBC: младшие общие биты, bitpool по удаленной стороне
	_, _, raw, ok := env.local.Configuration().MediaCodec()
	require.True(t, ok)
	selected, err := avdtp.ParseSBCInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, 48000, selected.SamplingFrequency())
	assert.Equal(t, uint8(35), selected.MaxBitpool)

	_, err = env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.ErrorIs(t, err, a2dp.ErrDisallowed)

	require.ErrorIs(t, env.profile.PauseStream(cid), a2dp.ErrDisallowed)
	require.NoError(t, env.profile.StartStream(cid))
	env.loop.RunPending()
	assert.Equal(t, avdtp.StateStreaming, env.local.State())
	assert.Equal(t, avdtp.StateStreaming, remoteEP.State())
	require.ErrorIs(t, env.profile.StartStream(cid), a2dp.ErrDisallowed)

	// Реконфигурация только из открытого, но не запущенного потока
	require.ErrorIs(t, env.profile.ReconfigureSamplingFrequency(cid, 44100), a2dp.ErrDisallowed)
	require.NoError(t, env.profile.PauseStream(cid))
	env.loop.RunPending()
	assert.Equal(t, avdtp.StateOpened, env.local.State())

	require.NoError(t, env.profile.ReconfigureSamplingFrequency(cid, 44100))
	info, _ = env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseW2Reconfigure, info.Phase)
	env.loop.RunPending()

	info, _ = env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseStreamingOpened, info.Phase)
	reconfigured := eventsOf[avdtp.CodecConfiguration](env.remoteRec)
	require.NotEmpty(t, reconfigured)
	last := reconfigured[len(reconfigured)-1]
	assert.True(t, last.Reconfigure)
	applied, err := avdtp.ParseSBCInfo(last.Info)
	require.NoError(t, err)
	assert.Equal(t, 44100, applied.SamplingFrequency())

	require.NoError(t, env.profile.Disconnect(cid))
	env.loop.RunPending()
	_, ok = env.profile.Session(cid)
	assert.False(t, ok)
	assert.Equal(t, avdtp.StateIdle, env.local.State())
	require.ErrorIs(t, env.profile.Disconnect(cid), a2dp.ErrUnknownConnection)
}

func TestNegotiationExhaustion(t *testing.T) {
	local := avdtp.DefaultSBCCapabilities(53)
	local.SamplingFrequencies = avdtp.SBCFrequency44100 | avdtp.SBCFrequency48000
	env := newTestEnv(t, local, nil)

	onlyLow := avdtp.DefaultSBCCapabilities(53)
	onlyLow.SamplingFrequencies = avdtp.SBCFrequency16000
	env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecSBC, onlyLow.Marshal())
	env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecMPEG12, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	env.addRemoteEndpoint(t, avdtp.SepSource, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(53).Marshal())

	cid, err := env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusNoSuitableEndpoint, established[0].Status)
	assert.Equal(t, cid, established[0].ConnID)
	assert.Equal(t, env.local.SEID(), established[0].LocalSEID)

	// Оба приемника проверены, источник пропущен
	assert.Len(t, acceptedSignals(env.remoteRec, avdtp.SignalGetAllCapabilities), 2)
	assert.Empty(t, acceptedSignals(env.remoteRec, avdtp.SignalSetConfiguration))
	assert.Empty(t, acceptedSignals(env.remoteRec, avdtp.SignalOpen))
	for _, ev := range eventsOf[avdtp.CommandRejected](env.remoteRec) {
		assert.NotEqual(t, avdtp.SignalOpen, ev.Signal)
	}
	assert.Equal(t, avdtp.StateIdle, env.local.State())

	info, ok := env.profile.Session(cid)
	require.True(t, ok)
	assert.False(t, info.OutgoingActive)
	assert.Equal(t, a2dp.PhaseConnected, info.Phase)
	assert.Equal(t, float64(1), env.streamsEstablished(t, avdtp.StatusNoSuitableEndpoint))

	// Повтор на том же соединении разрешен и снова завершается отказом
	again, err := env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	assert.Equal(t, cid, again)
	env.loop.RunPending()
	assert.Len(t, eventsOf[avdtp.StreamEstablished](env.rec), 2)
}

func TestNoMatchingRemoteEndpoint(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	env.addRemoteEndpoint(t, avdtp.SepSource, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(53).Marshal())

	_, err := env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusNoSuitableEndpoint, established[0].Status)
	assert.Empty(t, acceptedSignals(env.remoteRec, avdtp.SignalGetAllCapabilities))
}

func TestEstablishStreamPreconditions(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(53).Marshal())

	_, err := env.profile.EstablishStream(sinkAddr, 0x20)
	require.ErrorIs(t, err, avdtp.ErrUnknownEndpoint)

	second, err := env.profile.CreateSBCEndpoint(avdtp.DefaultSBCCapabilities(53), false)
	require.NoError(t, err)

	_, err = env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	_, err = env.profile.EstablishStream(fakeAddr, second.SEID())
	require.ErrorIs(t, err, a2dp.ErrDisallowed)

	require.ErrorIs(t, env.profile.StartStream(0x7777), a2dp.ErrUnknownConnection)

	_, err = env.profile.CreateSBCEndpoint(avdtp.SBCInfo{}, false)
	require.ErrorIs(t, err, avdtp.ErrInvalidSBCInfo)
}

func TestConnectFailureReportsStream(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)

	cid, err := env.profile.EstablishStream(fakeAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusConnectionFailed, established[0].Status)
	_, ok := env.profile.Session(cid)
	assert.False(t, ok)

	// Исходящее согласование снято, можно пробовать снова
	_, err = env.profile.EstablishStream(fakeAddr, env.local.SEID())
	require.NoError(t, err)
}

func TestIncomingConnectionDiscovery(t *testing.T) {
	tests := []struct {
		name     string
		discover bool
	}{
		{name: "discovers when idle", discover: true},
		{name: "passive", discover: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), func(cfg *a2dp.Config) {
				cfg.DiscoverIncoming = tt.discover
			})
			env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(53).Marshal())

			_, err := env.remote.Connect(sourceAddr)
			require.NoError(t, err)
			env.loop.RunPending()

			if !tt.discover {
				assert.Empty(t, acceptedSignals(env.remoteRec, avdtp.SignalDiscover))
				assert.Empty(t, eventsOf[avdtp.StreamEstablished](env.rec))
				return
			}
			assert.Len(t, acceptedSignals(env.remoteRec, avdtp.SignalDiscover), 1)
			established := eventsOf[avdtp.StreamEstablished](env.rec)
			require.Len(t, established, 1)
			assert.Equal(t, avdtp.StatusSuccess, established[0].Status)
		})
	}
}

func TestDiscoveryRace(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	env.addRemoteEndpoint(t, avdtp.SepSink, avdtp.CodecSBC, avdtp.DefaultSBCCapabilities(53).Marshal())
	_, err := env.profile.CreateSBCEndpoint(avdtp.DefaultSBCCapabilities(53), false)
	require.NoError(t, err)

	// Исходящее и входящее соединения к одному устройству в одном окне
	outgoing, err := env.profile.EstablishStream(sinkAddr, env.local.SEID())
	require.NoError(t, err)
	_, err = env.remote.Connect(sourceAddr)
	require.NoError(t, err)
	env.loop.RunPending()

	var outgoingRemote, incomingRemote uint16
	for _, ev := range eventsOf[avdtp.SignalingConnectionEstablished](env.remoteRec) {
		if ev.Incoming {
			outgoingRemote = ev.ConnID
		} else {
			incomingRemote = ev.ConnID
		}
	}
	require.NotZero(t, outgoingRemote)
	require.NotZero(t, incomingRemote)

	// Порядок событий удаленной стороны: обнаружение по второму соединению
	// начинается только после установки потока по первому
	var order []string
	for _, ev := range env.remoteRec.events {
		switch ev := ev.(type) {
		case avdtp.CommandAccepted:
			if ev.Signal != avdtp.SignalDiscover {
				continue
			}
			if ev.ConnID == outgoingRemote {
				order = append(order, "discover_outgoing")
			} else {
				order = append(order, "discover_incoming")
			}
		case avdtp.StreamEstablished:
			order = append(order, "established")
		}
	}
	assert.Equal(t, []string{"discover_outgoing", "established", "discover_incoming"}, order)

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, outgoing, established[0].ConnID)
	assert.Equal(t, avdtp.StatusSuccess, established[0].Status)

	assert.GreaterOrEqual(t, env.counter(t, "a2dp_a2dp_discoveries_deferred_total"), float64(1))
	assert.Equal(t, float64(2), env.counter(t, "a2dp_a2dp_discoveries_started_total"))

	// Таймер успокоения уже ничего не запускает
	env.loop.Advance(a2dp.DefaultSettleTimeout)
	assert.Equal(t, float64(1), env.counter(t, "a2dp_a2dp_settle_timer_fired_total"))
	assert.Len(t, acceptedSignals(env.remoteRec, avdtp.SignalDiscover), 2)
}

// fakeSink удаленный приемник со сценарием ответов на сырые сигнальные пакеты
type fakeSink struct {
	tr       *l2cap.MemoryTransport
	cid      uint16
	commands []avdtp.SignalID
	label    uint8
	caps     []byte

	rejectSetConfiguration bool
}

func (f *fakeSink) ChannelOpened(ev l2cap.ChannelOpened) {
	if ev.Err == nil && f.cid == 0 {
		f.cid = ev.CID
	}
}

func (f *fakeSink) ChannelClosed(uint16) {}

func (f *fakeSink) CanSendNow(uint16) {}

func (f *fakeSink) DataReceived(cid uint16, data []byte) {
	if cid != f.cid || len(data) < 2 {
		return
	}
	header := avdtp.ParseHeader(data[0])
	if header.MessageType != avdtp.MessageCommand {
		return
	}
	signal := avdtp.SignalID(data[1] & 0x3F)
	f.commands = append(f.commands, signal)

	accept := data[0]&0xF0 | byte(avdtp.MessageAccept)
	switch signal {
	case avdtp.SignalDiscover:
		f.reply(accept, byte(signal), 1<<2, byte(avdtp.MediaAudio)<<4|byte(avdtp.SepSink)<<3)
	case avdtp.SignalGetAllCapabilities, avdtp.SignalGetCapabilities:
		f.reply(append([]byte{accept, byte(signal)}, f.caps...)...)
	case avdtp.SignalSetConfiguration:
		if f.rejectSetConfiguration {
			f.reply(data[0]&0xF0|byte(avdtp.MessageReject), byte(signal), 0, byte(avdtp.ErrorSepInUse))
			return
		}
		f.reply(accept, byte(signal))
	default:
		f.reply(accept, byte(signal))
	}
}

func (f *fakeSink) reply(data ...byte) {
	_ = f.tr.Send(f.cid, data)
}

// command отправляет команду от имени удаленного устройства
func (f *fakeSink) command(t *testing.T, signal avdtp.SignalID, payload ...byte) {
	t.Helper()
	header := avdtp.Header{Label: f.label, PacketType: avdtp.PacketSingle, MessageType: avdtp.MessageCommand}
	f.label = (f.label + 1) & 0x0F
	require.NoError(t, f.tr.Send(f.cid, append([]byte{header.Byte(), byte(signal)}, payload...)))
}

func (f *fakeSink) count(signal avdtp.SignalID) int {
	n := 0
	for _, s := range f.commands {
		if s == signal {
			n++
		}
	}
	return n
}

func sbcCapabilityPayload(info avdtp.SBCInfo) []byte {
	caps := avdtp.NewCodecCapabilities(avdtp.MediaAudio, avdtp.CodecSBC, info.Marshal())
	caps.Set(avdtp.CategoryMediaTransport, nil)
	return caps.Marshal(false)
}

func TestSetConfigurationRejectYieldsToRemote(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	fake := &fakeSink{
		caps:                   sbcCapabilityPayload(avdtp.DefaultSBCCapabilities(53)),
		rejectSetConfiguration: true,
	}
	fake.tr = env.hub.NewDevice(fakeAddr, env.loop)
	fake.tr.SetHandler(fake)

	cid, err := env.profile.EstablishStream(fakeAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	// Отказ на SET_CONFIGURATION: сессия ждет удаленную сторону под таймером
	info, ok := env.profile.Session(cid)
	require.True(t, ok)
	assert.Equal(t, a2dp.PhaseConnected, info.Phase)
	assert.True(t, info.Deferred)
	assert.True(t, info.OutgoingActive)
	assert.Equal(t, 1, env.loop.ActiveTimers())
	assert.Equal(t, avdtp.StateIdle, env.local.State())
	assert.Equal(t, 1, fake.count(avdtp.SignalSetConfiguration))

	env.loop.Advance(100 * time.Millisecond)

	selected, err := avdtp.SelectSBCConfiguration(avdtp.DefaultSBCCapabilities(53), avdtp.DefaultSBCCapabilities(53), 0)
	require.NoError(t, err)
	config := avdtp.NewCodecCapabilities(avdtp.MediaAudio, avdtp.CodecSBC, selected.Marshal())
	config.Set(avdtp.CategoryMediaTransport, nil)
	fake.command(t, avdtp.SignalSetConfiguration, append([]byte{env.local.SEID() << 2, 1 << 2}, config.Marshal(false)...)...)
	env.loop.RunPending()

	info, _ = env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseW4SetConfiguration, info.Phase)
	assert.True(t, info.Configured)
	assert.False(t, info.Deferred)
	assert.Equal(t, avdtp.StateConfigured, env.local.State())

	// Прием команды удаленной стороны перезапустил таймер
	env.loop.Advance(100 * time.Millisecond)
	assert.Equal(t, float64(0), env.counter(t, "a2dp_a2dp_settle_timer_fired_total"))

	fake.command(t, avdtp.SignalOpen, env.local.SEID()<<2)
	env.loop.RunPending()
	_, err = fake.tr.Connect(sourceAddr, l2cap.PSMAVDTP)
	require.NoError(t, err)
	env.loop.RunPending()

	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusSuccess, established[0].Status)
	info, _ = env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseStreamingOpened, info.Phase)
	assert.False(t, info.OutgoingActive)
	assert.Equal(t, avdtp.StateOpened, env.local.State())

	// Истечение таймера не перезапускает обнаружение
	env.loop.Advance(200 * time.Millisecond)
	assert.Equal(t, float64(1), env.counter(t, "a2dp_a2dp_settle_timer_fired_total"))
	assert.Equal(t, 1, fake.count(avdtp.SignalDiscover))
	assert.Zero(t, env.loop.ActiveTimers())

	// Конфигурация второй конечной точки не трогает открытую сессию
	second, err := env.profile.CreateSBCEndpoint(avdtp.DefaultSBCCapabilities(53), false)
	require.NoError(t, err)
	fake.command(t, avdtp.SignalSetConfiguration, append([]byte{second.SEID() << 2, 2 << 2}, config.Marshal(false)...)...)
	env.loop.RunPending()

	assert.Equal(t, avdtp.StateConfigured, second.State())
	info, _ = env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseStreamingOpened, info.Phase)
	assert.Equal(t, env.local.SEID(), info.LocalSEID)
	assert.Equal(t, uint8(1), info.RemoteSEID)
}

func TestGetAllCapabilitiesRejectFallsBack(t *testing.T) {
	env := newTestEnv(t, avdtp.DefaultSBCCapabilities(53), nil)
	fake := &fakeSink{caps: sbcCapabilityPayload(avdtp.DefaultSBCCapabilities(53))}
	fake.tr = env.hub.NewDevice(fakeAddr, env.loop)
	fake.tr.SetHandler(&rejectingAll{fakeSink: fake})

	cid, err := env.profile.EstablishStream(fakeAddr, env.local.SEID())
	require.NoError(t, err)
	env.loop.RunPending()

	assert.Equal(t, 1, fake.count(avdtp.SignalGetAllCapabilities))
	assert.Equal(t, 1, fake.count(avdtp.SignalGetCapabilities))
	assert.Equal(t, 1, fake.count(avdtp.SignalSetConfiguration))
	assert.Equal(t, 1, fake.count(avdtp.SignalOpen))
	info, _ := env.profile.Session(cid)
	assert.Equal(t, a2dp.PhaseStreamingOpened, info.Phase)
	established := eventsOf[avdtp.StreamEstablished](env.rec)
	require.Len(t, established, 1)
	assert.Equal(t, avdtp.StatusSuccess, established[0].Status)
}

// rejectingAll устройство без поддержки GET_ALL_CAPABILITIES
type rejectingAll struct {
	*fakeSink
}

func (r *rejectingAll) DataReceived(cid uint16, data []byte) {
	if len(data) >= 2 && avdtp.SignalID(data[1]&0x3F) == avdtp.SignalGetAllCapabilities {
		r.commands = append(r.commands, avdtp.SignalGetAllCapabilities)
		r.reply(data[0]&0xF0|byte(avdtp.MessageGeneralReject), data[1])
		return
	}
	r.fakeSink.DataReceived(cid, data)
}

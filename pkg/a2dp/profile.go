// Package a2dp реализует политику профиля A2DP поверх движка AVDTP:
// поиск и выбор удаленной конечной точки, согласование SBC и разрешение
// гонки одновременных подключений.
//
// В каждый момент обнаружение конечных точек ведет только одна сессия.
// Остальные получают флаг отложенного обнаружения и ждут, пока слот не
// освободится или не истечет таймер успокоения.
package a2dp

import (
	"fmt"
	"slices"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultSettleTimeout время ожидания встречного согласования
const DefaultSettleTimeout = 150 * time.Millisecond

// Config параметры профиля
type Config struct {
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
	Namespace  string

	// Role локальная роль: SepSource или SepSink
	Role avdtp.SepType

	// SettleTimeout таймер успокоения отложенного обнаружения
	SettleTimeout time.Duration

	// DiscoverIncoming запускать обнаружение на входящих соединениях,
	// если другого согласования нет
	DiscoverIncoming bool
}

// DefaultConfig конфигурация по умолчанию для роли
func DefaultConfig(role avdtp.SepType) Config {
	return Config{
		Namespace:        "a2dp",
		Role:             role,
		SettleTimeout:    DefaultSettleTimeout,
		DiscoverIncoming: true,
	}
}

// Profile профиль A2DP. Как и движок, работает в одном цикле событий.
type Profile struct {
	cfg     Config
	engine  *avdtp.Engine
	sched   runloop.Scheduler
	log     logrus.FieldLogger
	metrics *profileMetrics

	observers []avdtp.Observer
	sessions  map[uint16]*session

	// active сессия, занимающая слот обнаружения
	active *session
	settle runloop.Timer
}

// NewProfile создает профиль и подписывает его на события движка.
func NewProfile(cfg Config, engine *avdtp.Engine, sched runloop.Scheduler) *Profile {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}
	p := &Profile{
		cfg:      cfg,
		engine:   engine,
		sched:    sched,
		log:      cfg.Logger.WithFields(logrus.Fields{"component": "a2dp", "role": cfg.Role.String()}),
		metrics:  newProfileMetrics(cfg.Registerer, cfg.Namespace),
		sessions: make(map[uint16]*session),
	}
	engine.Subscribe(p)
	return p
}

// Subscribe добавляет наблюдателя. Профиль пересылает ему все события движка
// и добавляет свои StreamEstablished с причиной отказа.
func (p *Profile) Subscribe(o avdtp.Observer) {
	p.observers = append(p.observers, o)
}

func (p *Profile) emit(ev avdtp.Event) {
	for _, o := range p.observers {
		o.HandleEvent(ev)
	}
}

// Engine движок AVDTP профиля
func (p *Profile) Engine() *avdtp.Engine { return p.engine }

// CreateStreamEndpoint регистрирует конечную точку локальной роли с
// категориями MediaTransport и MediaCodec. delayReporting добавляет
// категорию DelayReporting.
func (p *Profile) CreateStreamEndpoint(media avdtp.MediaType, codec avdtp.CodecType, info []byte, delayReporting bool) (*avdtp.StreamEndpoint, error) {
	ep, err := p.engine.CreateStreamEndpoint(p.cfg.Role, media)
	if err != nil {
		return nil, err
	}
	if err := ep.RegisterCapability(avdtp.CategoryMediaTransport, nil); err != nil {
		return nil, err
	}
	if err := ep.RegisterCapability(avdtp.CategoryMediaCodec, avdtp.MediaCodecPayload(media, codec, info)); err != nil {
		return nil, err
	}
	if delayReporting {
		if err := ep.RegisterCapability(avdtp.CategoryDelayReporting, nil); err != nil {
			return nil, err
		}
	}
	p.log.WithFields(logrus.Fields{"seid": ep.SEID(), "codec": codec.String()}).Info("Создана конечная точка")
	return ep, nil
}

// CreateSBCEndpoint регистрирует аудио конечную точку SBC.
func (p *Profile) CreateSBCEndpoint(caps avdtp.SBCInfo, delayReporting bool) (*avdtp.StreamEndpoint, error) {
	if err := caps.ValidateCapabilities(); err != nil {
		return nil, err
	}
	return p.CreateStreamEndpoint(avdtp.MediaAudio, avdtp.CodecSBC, caps.Marshal(), delayReporting)
}

// Session снимок состояния сессии соединения
func (p *Profile) Session(connID uint16) (SessionInfo, bool) {
	s, ok := p.sessions[connID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// EstablishStream запускает согласование потока с удаленным устройством
// для локальной конечной точки. Возвращает идентификатор соединения.
func (p *Profile) EstablishStream(addr l2cap.Addr, localSEID uint8) (uint16, error) {
	ep, ok := p.engine.Endpoint(localSEID)
	if !ok {
		return 0, fmt.Errorf("establish_stream seid=%d: %w", localSEID, avdtp.ErrUnknownEndpoint)
	}
	if ep.SepType() != p.cfg.Role || ep.InUse() {
		return 0, fmt.Errorf("establish_stream seid=%d: %w", localSEID, ErrDisallowed)
	}
	if p.outgoing() != nil {
		return 0, fmt.Errorf("establish_stream: исходящее согласование уже идет: %w", ErrDisallowed)
	}

	if s := p.sessionByAddr(addr); s != nil {
		if s.configured {
			return 0, fmt.Errorf("establish_stream: конечная точка уже сконфигурирована: %w", ErrDisallowed)
		}
		switch s.Phase() {
		case PhaseConnected, PhaseW4Connected:
		default:
			return 0, fmt.Errorf("establish_stream: фаза %s: %w", s.Phase(), ErrDisallowed)
		}
		s.outgoingActive = true
		s.localSEID = localSEID
		s.log.Info("Повторное согласование на существующем соединении")
		if s.Phase() == PhaseConnected {
			p.readyForDiscovery(s)
		}
		return s.connID, nil
	}

	cid, err := p.engine.Connect(addr)
	if err != nil {
		return 0, err
	}
	s := newSession(cid, addr, PhaseW4Connected, p.log)
	s.outgoingActive = true
	s.localSEID = localSEID
	p.sessions[cid] = s
	s.log.WithField("seid", localSEID).Info("Исходящее согласование потока")
	return cid, nil
}

// StartStream запускает открытый поток.
func (p *Profile) StartStream(connID uint16) error {
	s, err := p.streamSession(connID, avdtp.StateOpened)
	if err != nil {
		return err
	}
	return p.engine.StartStream(connID, s.localSEID)
}

// PauseStream приостанавливает поток.
func (p *Profile) PauseStream(connID uint16) error {
	s, err := p.streamSession(connID, avdtp.StateStreaming)
	if err != nil {
		return err
	}
	return p.engine.SuspendStream(connID, s.localSEID)
}

// Disconnect закрывает соединение вместе с медиа каналом.
func (p *Profile) Disconnect(connID uint16) error {
	if _, ok := p.sessions[connID]; !ok {
		return fmt.Errorf("disconnect cid=0x%04x: %w", connID, ErrUnknownConnection)
	}
	return p.engine.Disconnect(connID)
}

// ReconfigureSamplingFrequency меняет частоту дискретизации открытого
// потока командой RECONFIGURE.
func (p *Profile) ReconfigureSamplingFrequency(connID uint16, hz int) error {
	s, err := p.streamSession(connID, avdtp.StateOpened)
	if err != nil {
		return err
	}
	ep, _ := p.engine.Endpoint(s.localSEID)
	media, codec, info, ok := ep.Configuration().MediaCodec()
	if !ok || codec != avdtp.CodecSBC {
		return fmt.Errorf("reconfigure: кодек %s: %w", codec, ErrDisallowed)
	}
	info = slices.Clone(info)
	if err := avdtp.SetSamplingFrequency(info, hz); err != nil {
		return err
	}

	config := avdtp.Capabilities{}
	config.Set(avdtp.CategoryMediaCodec, avdtp.MediaCodecPayload(media, codec, info))
	if err := p.engine.Reconfigure(connID, s.localSEID, config); err != nil {
		return err
	}
	if err := s.fire(eventReconfigure); err != nil {
		s.log.WithError(err).Warn("Переход к реконфигурации не выполнен")
	}
	s.log.WithField("frequency", hz).Info("Реконфигурация частоты")
	return nil
}

// streamSession сессия в фазе открытого потока с конечной точкой в состоянии state
func (p *Profile) streamSession(connID uint16, state string) (*session, error) {
	s, ok := p.sessions[connID]
	if !ok {
		return nil, fmt.Errorf("cid=0x%04x: %w", connID, ErrUnknownConnection)
	}
	if s.Phase() != PhaseStreamingOpened {
		return nil, fmt.Errorf("cid=0x%04x фаза %s: %w", connID, s.Phase(), ErrDisallowed)
	}
	ep, ok := p.engine.Endpoint(s.localSEID)
	if !ok || ep.State() != state {
		return nil, fmt.Errorf("cid=0x%04x: %w", connID, ErrDisallowed)
	}
	return s, nil
}

func (p *Profile) outgoing() *session {
	for _, s := range p.sessions {
		if s.outgoingActive {
			return s
		}
	}
	return nil
}

func (p *Profile) sessionByAddr(addr l2cap.Addr) *session {
	for _, cid := range p.sessionIDs() {
		if s := p.sessions[cid]; s.addr == addr {
			return s
		}
	}
	return nil
}

func (p *Profile) sessionIDs() []uint16 {
	ids := make([]uint16, 0, len(p.sessions))
	for cid := range p.sessions {
		ids = append(ids, cid)
	}
	slices.Sort(ids)
	return ids
}

// freeEndpoint первая свободная локальная конечная точка роли профиля
func (p *Profile) freeEndpoint() (*avdtp.StreamEndpoint, bool) {
	for _, ep := range p.engine.Endpoints() {
		if ep.SepType() == p.cfg.Role && !ep.InUse() {
			return ep, true
		}
	}
	return nil, false
}

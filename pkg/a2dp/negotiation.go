package a2dp

import (
	"fmt"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/sirupsen/logrus"
)

// HandleEvent реализует avdtp.Observer. Событие сначала применяется к
// сессиям, затем пересылается наблюдателям профиля.
func (p *Profile) HandleEvent(ev avdtp.Event) {
	switch ev := ev.(type) {
	case avdtp.SignalingConnectionEstablished:
		p.connectionEstablished(ev)
	case avdtp.SignalingConnectionReleased:
		p.connectionReleased(ev)
	case avdtp.SepFound:
		p.sepFound(ev)
	case avdtp.SepDiscoveryDone:
		p.discoveryDone(ev)
	case avdtp.CodecCapability:
		p.codecCapability(ev)
	case avdtp.CodecConfiguration:
		p.codecConfiguration(ev)
	case avdtp.StreamEstablished:
		p.streamEstablished(ev)
	case avdtp.StreamReconfigured:
		p.streamReconfigured(ev)
	case avdtp.StreamReleased:
		p.streamReleased(ev)
	case avdtp.CommandAccepted:
		p.commandAccepted(ev)
	case avdtp.CommandRejected:
		p.commandRejected(ev)
	}
	p.emit(ev)
}

func (p *Profile) connectionEstablished(ev avdtp.SignalingConnectionEstablished) {
	s, known := p.sessions[ev.ConnID]
	if ev.Status != avdtp.StatusSuccess {
		if known {
			delete(p.sessions, ev.ConnID)
			if s.outgoingActive {
				s.outgoingActive = false
				p.reportFailure(s, avdtp.StatusConnectionFailed)
			}
		}
		return
	}

	if !known {
		s = newSession(ev.ConnID, ev.Addr, PhaseConnected, p.log)
		p.sessions[ev.ConnID] = s
	} else if err := s.fire(eventConnected); err != nil {
		s.log.WithError(err).Warn("Переход в connected не выполнен")
	}

	if s.outgoingActive {
		p.readyForDiscovery(s)
		return
	}
	if !p.cfg.DiscoverIncoming {
		s.log.Debug("Входящее соединение, ждем согласования от удаленной стороны")
		return
	}
	if p.active == nil && p.outgoing() == nil {
		p.startDiscovery(s)
		return
	}
	p.deferDiscovery(s)
}

// readyForDiscovery запускает обнаружение для исходящей сессии. Исходящая
// сессия вытесняет входящую, которая еще ничего не сконфигурировала.
func (p *Profile) readyForDiscovery(s *session) {
	switch {
	case p.active == nil:
		p.startDiscovery(s)
	case p.preemptible(p.active):
		prev := p.active
		prev.log.Info("Обнаружение уступает исходящему согласованию")
		prev.resetNegotiation()
		p.active = nil
		p.deferDiscovery(prev)
		p.startDiscovery(s)
	default:
		p.deferDiscovery(s)
	}
}

func (p *Profile) preemptible(s *session) bool {
	if s.outgoingActive || s.configured {
		return false
	}
	phase := s.Phase()
	return phase == PhaseDiscoverSeps || phase == PhaseGetCapabilities
}

func (p *Profile) startDiscovery(s *session) {
	ep, ok := p.engine.Endpoint(s.localSEID)
	if !ok || ep.InUse() {
		if s.outgoingActive && ok {
			s.deferred = false
			p.fail(s, avdtp.StatusCommandDisallowed)
			return
		}
		free, found := p.freeEndpoint()
		if !found {
			s.log.Warn("Нет свободной локальной конечной точки")
			s.deferred = false
			p.fail(s, avdtp.StatusNoSuitableEndpoint)
			return
		}
		s.localSEID = free.SEID()
	}

	s.deferred = false
	s.candidates = nil
	s.next = 0
	if err := p.engine.DiscoverStreamEndpoints(s.connID); err != nil {
		s.log.WithError(err).Warn("DISCOVER не отправлен, обнаружение отложено")
		p.deferDiscovery(s)
		return
	}
	p.active = s
	if err := s.fire(eventDiscover); err != nil {
		s.log.WithError(err).Warn("Переход к обнаружению не выполнен")
	}
	p.metrics.discoveries.Inc()
	s.log.WithField("seid", s.localSEID).Info("Обнаружение конечных точек")
}

func (p *Profile) deferDiscovery(s *session) {
	s.deferred = true
	p.metrics.deferred.Inc()
	s.log.Debug("Обнаружение отложено")
	p.armSettle()
}

// armSettle взводит таймер успокоения заново
func (p *Profile) armSettle() {
	if p.settle != nil {
		p.settle.Stop()
	}
	p.settle = p.sched.AfterFunc(p.cfg.SettleTimeout, p.settleExpired)
}

func (p *Profile) settleExpired() {
	p.settle = nil
	p.metrics.settleFired.Inc()
	p.log.Debug("Таймер успокоения истек")
	p.startNextDeferred()
}

// startNextDeferred отдает свободный слот обнаружения первой отложенной сессии
func (p *Profile) startNextDeferred() {
	if p.active != nil {
		return
	}
	for _, cid := range p.sessionIDs() {
		s := p.sessions[cid]
		if !s.deferred {
			continue
		}
		if s.configured || s.Phase() != PhaseConnected {
			s.deferred = false
			continue
		}
		p.startDiscovery(s)
		if p.active != nil {
			return
		}
	}
}

func (p *Profile) stopSettle() {
	if p.settle != nil {
		p.settle.Stop()
		p.settle = nil
	}
}

// isActive сообщает, что событие относится к сессии в слоте обнаружения
func (p *Profile) isActive(connID uint16, phase string) (*session, bool) {
	s := p.active
	if s == nil || s.connID != connID || s.Phase() != phase {
		return nil, false
	}
	return s, true
}

func (p *Profile) sepFound(ev avdtp.SepFound) {
	s, ok := p.isActive(ev.ConnID, PhaseDiscoverSeps)
	if !ok || !matchesEndpoint(ev, p.cfg.Role) {
		return
	}
	s.candidates = append(s.candidates, candidate{seid: ev.SEID})
}

func (p *Profile) discoveryDone(ev avdtp.SepDiscoveryDone) {
	s, ok := p.isActive(ev.ConnID, PhaseDiscoverSeps)
	if !ok {
		return
	}
	if ev.Status != avdtp.StatusSuccess || len(s.candidates) == 0 {
		s.log.WithField("status", ev.Status).Info("Подходящих удаленных конечных точек нет")
		p.fail(s, avdtp.StatusNoSuitableEndpoint)
		return
	}
	s.log.WithField("candidates", len(s.candidates)).Debug("Обнаружение завершено")
	p.queryNext(s)
}

// queryNext запрашивает возможности очередного кандидата
func (p *Profile) queryNext(s *session) {
	c, ok := s.current()
	if !ok {
		s.log.Info("Кандидаты исчерпаны")
		p.fail(s, avdtp.StatusNoSuitableEndpoint)
		return
	}

	var err error
	if c.basicOnly {
		err = p.engine.GetCapabilities(s.connID, c.seid)
	} else {
		err = p.engine.GetAllCapabilities(s.connID, c.seid)
	}
	if err != nil {
		s.log.WithError(err).Warn("Запрос возможностей не отправлен")
		p.fail(s, avdtp.StatusCommandDisallowed)
		return
	}
	if err := s.fire(eventQuery); err != nil {
		s.log.WithError(err).Warn("Переход к запросу возможностей не выполнен")
	}
}

func (p *Profile) codecCapability(ev avdtp.CodecCapability) {
	s, ok := p.isActive(ev.ConnID, PhaseGetCapabilities)
	if !ok {
		return
	}
	if c, ok := s.current(); !ok || c.seid != ev.RemoteSEID {
		return
	}

	config, err := p.selectConfiguration(s, ev)
	if err != nil {
		s.log.WithError(err).WithField("remote_seid", ev.RemoteSEID).Debug("Кандидат не подходит")
		s.next++
		p.queryNext(s)
		return
	}
	if err := p.engine.SetConfiguration(s.connID, s.localSEID, ev.RemoteSEID, config); err != nil {
		s.log.WithError(err).Warn("SET_CONFIGURATION не отправлен")
		p.fail(s, avdtp.StatusCommandDisallowed)
		return
	}
	s.remoteSEID = ev.RemoteSEID
	if err := s.fire(eventConfigure); err != nil {
		s.log.WithError(err).Warn("Переход к конфигурации не выполнен")
	}
}

// selectConfiguration пересекает возможности SBC локальной и удаленной точек
func (p *Profile) selectConfiguration(s *session, ev avdtp.CodecCapability) (avdtp.Capabilities, error) {
	if ev.MediaType != avdtp.MediaAudio || ev.Codec != avdtp.CodecSBC {
		return nil, fmt.Errorf("кодек %s: %w", ev.Codec, ErrNoSuitableEndpoint)
	}
	remote, err := avdtp.ParseSBCInfo(ev.Info)
	if err != nil {
		return nil, err
	}

	ep, ok := p.engine.Endpoint(s.localSEID)
	if !ok {
		return nil, avdtp.ErrUnknownEndpoint
	}
	localCaps := ep.Capabilities()
	_, codec, info, ok := localCaps.MediaCodec()
	if !ok || codec != avdtp.CodecSBC {
		return nil, fmt.Errorf("локальный кодек %s: %w", codec, ErrNoSuitableEndpoint)
	}
	local, err := avdtp.ParseSBCInfo(info)
	if err != nil {
		return nil, err
	}

	selected, err := avdtp.SelectSBCConfiguration(local, remote, ep.PreferredSamplingFrequency())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"remote_seid": ev.RemoteSEID,
		"frequency":   selected.SamplingFrequency(),
		"channels":    selected.Channels(),
		"bitpool":     fmt.Sprintf("%d..%d", selected.MinBitpool, selected.MaxBitpool),
	}).Debug("Выбрана конфигурация SBC")

	config := avdtp.NewCodecCapabilities(avdtp.MediaAudio, avdtp.CodecSBC, selected.Marshal())
	if localCaps.Has(avdtp.CategoryDelayReporting) && ev.Capabilities.Has(avdtp.CategoryDelayReporting) {
		config.Set(avdtp.CategoryDelayReporting, nil)
	}
	return config, nil
}

func (p *Profile) codecConfiguration(ev avdtp.CodecConfiguration) {
	s, ok := p.sessions[ev.ConnID]
	if !ok || ev.Reconfigure {
		return
	}

	if s.Phase() == PhaseSetConfiguration && ev.LocalSEID == s.localSEID {
		s.configured = true
		if err := s.fire(eventConfigured); err != nil {
			s.log.WithError(err).Warn("Переход к открытию не выполнен")
		}
		if err := p.engine.OpenStream(s.connID, s.localSEID); err != nil {
			s.log.WithError(err).Warn("OPEN не отправлен")
			p.abort(s)
			p.fail(s, avdtp.StatusCommandDisallowed)
			return
		}
		if err := s.fire(eventOpenSent); err != nil {
			s.log.WithError(err).Warn("Переход к ожиданию OPEN не выполнен")
		}
		return
	}

	// Конфигурацию задала удаленная сторона, она же откроет поток
	if !s.can(eventRemoteConfigured) {
		s.log.WithFields(logrus.Fields{
			"phase":      s.Phase(),
			"local_seid": ev.LocalSEID,
		}).Warn("Конфигурация удаленной стороны вне обнаружения, сессия не меняется")
		return
	}
	s.configured = true
	s.deferred = false
	s.localSEID = ev.LocalSEID
	s.remoteSEID = ev.RemoteSEID
	if p.active == s {
		p.active = nil
	}
	if err := s.fire(eventRemoteConfigured); err != nil {
		s.log.WithError(err).Warn("Переход к ожиданию удаленной стороны не выполнен")
	}
	s.log.WithField("remote_seid", ev.RemoteSEID).Info("Удаленная сторона сконфигурировала поток")
}

func (p *Profile) streamEstablished(ev avdtp.StreamEstablished) {
	s, ok := p.sessions[ev.ConnID]
	if !ok || ev.LocalSEID != s.localSEID {
		return
	}
	p.metrics.streamsEstablished.WithLabelValues(ev.Status.String()).Inc()

	if ev.Status == avdtp.StatusSuccess {
		if err := s.fire(eventEstablished); err != nil {
			s.log.WithError(err).Warn("Переход в streaming_opened не выполнен")
		}
		s.outgoingActive = false
		s.remoteSEID = ev.RemoteSEID
		s.log.WithField("remote_seid", ev.RemoteSEID).Info("Поток установлен")
		if p.active == s {
			p.active = nil
		}
		p.startNextDeferred()
		return
	}

	s.configured = false
	s.outgoingActive = false
	s.resetNegotiation()
	if p.active == s {
		p.active = nil
	}
	p.startNextDeferred()
}

func (p *Profile) streamReconfigured(ev avdtp.StreamReconfigured) {
	s, ok := p.sessions[ev.ConnID]
	if !ok || s.Phase() != PhaseW2Reconfigure {
		return
	}
	if err := s.fire(eventReconfigured); err != nil {
		s.log.WithError(err).Warn("Возврат в streaming_opened не выполнен")
	}
}

func (p *Profile) streamReleased(ev avdtp.StreamReleased) {
	s, ok := p.sessions[ev.ConnID]
	if !ok || ev.LocalSEID != s.localSEID {
		return
	}
	s.configured = false
	s.resetNegotiation()
	if s.outgoingActive {
		s.outgoingActive = false
		p.reportFailure(s, avdtp.StatusRejected)
	}
	if p.active == s {
		p.active = nil
		p.startNextDeferred()
	}
}

func (p *Profile) connectionReleased(ev avdtp.SignalingConnectionReleased) {
	s, ok := p.sessions[ev.ConnID]
	if !ok {
		return
	}
	delete(p.sessions, ev.ConnID)
	if s.outgoingActive {
		p.reportFailure(s, avdtp.StatusConnectionFailed)
	}
	if p.active == s {
		p.active = nil
	}
	p.startNextDeferred()

	deferred := false
	for _, other := range p.sessions {
		deferred = deferred || other.deferred
	}
	if !deferred {
		p.stopSettle()
	}
}

func (p *Profile) commandAccepted(ev avdtp.CommandAccepted) {
	// Удаленная сторона ведет согласование, даем ей время
	if !ev.IsInitiator && p.settle != nil {
		p.log.WithField("signal", ev.Signal).Debug("Таймер успокоения перезапущен")
		p.armSettle()
	}
}

func (p *Profile) commandRejected(ev avdtp.CommandRejected) {
	if !ev.IsInitiator {
		return
	}
	s, ok := p.sessions[ev.ConnID]
	if !ok {
		return
	}

	switch ev.Signal {
	case avdtp.SignalSetConfiguration:
		if s.Phase() != PhaseSetConfiguration {
			return
		}
		s.log.WithField("error", ev.ErrorCode).Info("SET_CONFIGURATION отклонен, уступаем удаленной стороне")
		s.resetNegotiation()
		if p.active == s {
			p.active = nil
		}
		p.deferDiscovery(s)

	case avdtp.SignalGetAllCapabilities:
		if _, active := p.isActive(ev.ConnID, PhaseGetCapabilities); !active || s.next >= len(s.candidates) {
			return
		}
		s.candidates[s.next].basicOnly = true
		p.queryNext(s)

	case avdtp.SignalGetCapabilities:
		if _, active := p.isActive(ev.ConnID, PhaseGetCapabilities); !active {
			return
		}
		s.next++
		p.queryNext(s)

	case avdtp.SignalOpen:
		if s.Phase() != PhaseW2OpenStream && s.Phase() != PhaseW4OpenStream {
			return
		}
		p.abort(s)
		p.fail(s, avdtp.StatusRejected)
	}
}

// abort освобождает сконфигурированную конечную точку после неудачного OPEN
func (p *Profile) abort(s *session) {
	s.configured = false
	if err := p.engine.AbortStream(s.connID, s.localSEID); err != nil {
		s.log.WithError(err).Warn("ABORT не отправлен")
	}
}

// fail завершает согласование сессии и освобождает слот обнаружения
func (p *Profile) fail(s *session, status avdtp.Status) {
	s.log.WithField("status", status).Info("Согласование потока завершено без результата")
	if s.outgoingActive {
		s.outgoingActive = false
		p.reportFailure(s, status)
	}
	s.resetNegotiation()
	if p.active == s {
		p.active = nil
	}
	p.startNextDeferred()
}

func (p *Profile) reportFailure(s *session, status avdtp.Status) {
	p.metrics.streamsEstablished.WithLabelValues(status.String()).Inc()
	p.emit(avdtp.StreamEstablished{ConnID: s.connID, Addr: s.addr, LocalSEID: s.localSEID, Status: status})
}

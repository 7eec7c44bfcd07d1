package avdtp

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// minCommandLength минимальная длина параметров команды.
// Сигналы вне таблицы получают GENERAL_REJECT.
var minCommandLength = map[SignalID]int{
	SignalDiscover:           0,
	SignalGetCapabilities:    1,
	SignalSetConfiguration:   2,
	SignalGetConfiguration:   1,
	SignalReconfigure:        1,
	SignalOpen:               1,
	SignalStart:              1,
	SignalClose:              1,
	SignalSuspend:            1,
	SignalAbort:              1,
	SignalSecurityControl:    1,
	SignalGetAllCapabilities: 1,
	SignalDelayReport:        3,
}

// handleCommand обрабатывает команду удаленного инициатора.
func (e *Engine) handleCommand(conn *SignalingConnection, msg Message) {
	minLen, known := minCommandLength[msg.Signal]
	if !known {
		conn.log.WithField("signal", msg.Signal).Warn("Неизвестный сигнал, GENERAL_REJECT")
		e.respond(conn, Message{Label: msg.Label, MessageType: MessageGeneralReject, Signal: msg.Signal}, nil)
		return
	}
	if len(msg.Payload) < minLen {
		e.reject(conn, msg, 0, ErrorBadLength)
		return
	}

	switch msg.Signal {
	case SignalDiscover:
		e.acceptDiscover(conn, msg)
	case SignalGetCapabilities, SignalGetAllCapabilities:
		e.acceptGetCapabilities(conn, msg)
	case SignalGetConfiguration:
		e.acceptGetConfiguration(conn, msg)
	case SignalSetConfiguration:
		e.acceptSetConfiguration(conn, msg)
	case SignalReconfigure:
		e.acceptReconfigure(conn, msg)
	case SignalOpen:
		e.acceptOpen(conn, msg)
	case SignalStart:
		e.acceptStart(conn, msg)
	case SignalClose:
		e.acceptClose(conn, msg)
	case SignalSuspend:
		e.acceptSuspend(conn, msg)
	case SignalAbort:
		e.acceptAbort(conn, msg)
	case SignalSecurityControl:
		e.acceptSecurityControl(conn, msg)
	case SignalDelayReport:
		e.acceptDelayReport(conn, msg)
	}
}

// respond ставит ответ в очередь. done вызывается после отправки.
func (e *Engine) respond(conn *SignalingConnection, msg Message, done func()) {
	conn.acceptorState = acceptorW2Answer
	_, err := e.send(conn, msg, func() {
		conn.acceptorState = acceptorIdle
		if done != nil {
			done()
		}
	})
	if err != nil {
		conn.acceptorState = acceptorIdle
		conn.log.WithError(err).WithField("signal", msg.Signal).Error("Не удалось отправить ответ")
	}
}

func (e *Engine) accept(conn *SignalingConnection, msg Message, payload []byte, done func()) {
	e.respond(conn, Message{Label: msg.Label, MessageType: MessageAccept, Signal: msg.Signal, Payload: payload}, done)
}

// reject отправляет Reject. lead первый байт для команд, где код ошибки
// предваряется категорией или SEID.
func (e *Engine) reject(conn *SignalingConnection, msg Message, lead byte, code ErrorCode) {
	var payload []byte
	switch msg.Signal {
	case SignalSetConfiguration, SignalReconfigure, SignalStart, SignalSuspend:
		payload = []byte{lead, byte(code)}
	default:
		payload = []byte{byte(code)}
	}
	conn.log.WithFields(logrus.Fields{"signal": msg.Signal, "error": code}).Info("Команда отклонена")
	e.respond(conn, Message{Label: msg.Label, MessageType: MessageReject, Signal: msg.Signal, Payload: payload}, nil)
}

func (e *Engine) emitAccepted(conn *SignalingConnection, seid uint8, signal SignalID) {
	e.emit(CommandAccepted{ConnID: conn.cid, LocalSEID: seid, Signal: signal, IsInitiator: false})
}

func (e *Engine) acceptDiscover(conn *SignalingConnection, msg Message) {
	endpoints := e.Endpoints()
	payload := make([]byte, 0, 2*len(endpoints))
	for _, ep := range endpoints {
		ep.published = true
		info := ep.info()
		b0 := info.SEID << 2
		if info.InUse {
			b0 |= 0x02
		}
		payload = append(payload, b0, byte(info.MediaType)<<4|byte(info.SepType)<<3)
	}
	e.accept(conn, msg, payload, nil)
	e.emitAccepted(conn, 0, msg.Signal)
}

func (e *Engine) acceptGetCapabilities(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	ep.published = true
	e.accept(conn, msg, ep.caps.Marshal(msg.Signal == SignalGetCapabilities), nil)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptGetConfiguration(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	if ep.config == nil || ep.connID != conn.cid {
		e.reject(conn, msg, 0, ErrorSepNotInUse)
		return
	}
	e.accept(conn, msg, ep.config.Marshal(false), nil)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptSetConfiguration(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	intSEID := msg.Payload[1] >> 2

	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	switch ep.configState {
	case configLocalInitiated, configRemoteInitiated:
		// Встречная конфигурация уже идет
		e.reject(conn, msg, 0, ErrorBadState)
		return
	case configLocalConfigured, configRemoteConfigured:
		e.reject(conn, msg, 0, ErrorSepInUse)
		return
	}
	if ep.InUse() {
		e.reject(conn, msg, 0, ErrorSepInUse)
		return
	}
	if !ValidSEID(intSEID) {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}

	caps, perr := ParseCapabilities(msg.Payload[2:])
	if perr != nil {
		e.reject(conn, msg, byte(perr.Category), perr.Code)
		return
	}
	media, codec, _, ok := caps.MediaCodec()
	if !ok {
		e.reject(conn, msg, byte(CategoryMediaCodec), ErrorInvalidCapabilities)
		return
	}
	if media != ep.mediaType || codec != ep.codec {
		e.reject(conn, msg, byte(CategoryMediaCodec), ErrorUnsupportedConfiguration)
		return
	}

	if err := ep.fire(eventConfigure); err != nil {
		ep.log.WithError(err).Warn("Переход в Configured не выполнен")
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	ep.config = caps
	ep.remoteSEID = intSEID
	ep.connID = conn.cid
	ep.configState = configRemoteInitiated
	ep.published = true
	conn.isInitiator = false

	ep.log.WithField("remote_seid", intSEID).Info("Принята конфигурация от удаленной стороны")
	e.accept(conn, msg, nil, func() {
		if ep.configState == configRemoteInitiated {
			ep.configState = configRemoteConfigured
		}
	})
	e.emitConfiguration(conn, ep, false)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptReconfigure(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	if ep.connID != conn.cid || ep.State() != StateOpened {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}

	caps, perr := ParseCapabilities(msg.Payload[1:])
	if perr != nil {
		e.reject(conn, msg, byte(perr.Category), perr.Code)
		return
	}
	for _, cat := range caps.Categories() {
		if cat != CategoryMediaCodec && cat != CategoryContentProtection {
			e.reject(conn, msg, byte(cat), ErrorInvalidCapabilities)
			return
		}
	}
	if media, codec, _, ok := caps.MediaCodec(); ok && (media != ep.mediaType || codec != ep.codec) {
		e.reject(conn, msg, byte(CategoryMediaCodec), ErrorUnsupportedConfiguration)
		return
	}

	for cat, value := range caps {
		ep.config.Set(cat, value)
	}
	e.accept(conn, msg, nil, nil)
	e.emitConfiguration(conn, ep, true)
	e.emit(StreamReconfigured{ConnID: conn.cid, LocalSEID: seid, Status: StatusSuccess})
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptOpen(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok || ep.connID != conn.cid || ep.State() != StateConfigured {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	if err := ep.fire(eventOpenAccepted); err != nil {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	conn.mediaSEID = seid
	e.accept(conn, msg, nil, nil)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptStart(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, seid<<2, ErrorBadAcpSEID)
		return
	}
	if ep.connID != conn.cid || ep.State() != StateOpened {
		e.reject(conn, msg, seid<<2, ErrorBadState)
		return
	}
	if err := ep.fire(eventStart); err != nil {
		e.reject(conn, msg, seid<<2, ErrorBadState)
		return
	}
	e.accept(conn, msg, nil, nil)
	e.emit(StreamStarted{ConnID: conn.cid, LocalSEID: seid})
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptClose(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	if ep.connID != conn.cid || !ep.can(eventClose) {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	if err := ep.fire(eventClose); err != nil {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	ep.configState = configIdle
	e.accept(conn, msg, nil, nil)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptSuspend(conn *SignalingConnection, msg Message) {
	var endpoints []*StreamEndpoint
	for _, b := range msg.Payload {
		seid := b >> 2
		ep, ok := e.endpoints[seid]
		if !ok {
			e.reject(conn, msg, seid<<2, ErrorBadAcpSEID)
			return
		}
		if ep.connID != conn.cid || ep.State() != StateStreaming {
			e.reject(conn, msg, seid<<2, ErrorBadState)
			return
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}

	for _, ep := range endpoints {
		if err := ep.fire(eventSuspend); err != nil {
			ep.log.WithError(err).Warn("Переход в Opened не выполнен")
		}
	}
	e.accept(conn, msg, nil, nil)
	for _, ep := range endpoints {
		e.emit(StreamSuspended{ConnID: conn.cid, LocalSEID: ep.seid})
	}
	e.emitAccepted(conn, endpoints[0].seid, msg.Signal)
}

func (e *Engine) acceptAbort(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	if ep.connID != conn.cid || !ep.can(eventAbort) {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	if err := ep.fire(eventAbort); err != nil {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	if conn.mediaSEID == seid {
		conn.mediaSEID = 0
	}
	e.accept(conn, msg, nil, func() {
		// Без медиа канала освобождать нечего, кроме самой конечной точки
		if ep.mediaCID == 0 && ep.State() == StateAborting {
			ep.reset()
			e.emit(StreamReleased{ConnID: conn.cid, LocalSEID: seid})
		}
	})
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptSecurityControl(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	if _, ok := e.endpoints[seid]; !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	e.accept(conn, msg, msg.Payload[1:], nil)
	e.emitAccepted(conn, seid, msg.Signal)
}

func (e *Engine) acceptDelayReport(conn *SignalingConnection, msg Message) {
	seid := msg.Payload[0] >> 2
	ep, ok := e.endpoints[seid]
	if !ok {
		e.reject(conn, msg, 0, ErrorBadAcpSEID)
		return
	}
	if ep.connID != conn.cid {
		e.reject(conn, msg, 0, ErrorBadState)
		return
	}
	delay := binary.BigEndian.Uint16(msg.Payload[1:3])
	e.accept(conn, msg, nil, nil)
	e.emit(DelayReported{ConnID: conn.cid, LocalSEID: seid, Delay: delay})
	e.emitAccepted(conn, seid, msg.Signal)
}

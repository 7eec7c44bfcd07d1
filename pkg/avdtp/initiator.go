package avdtp

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// sendCommand отправляет команду инициатора. На соединении может ждать
// ответа только одна команда.
func (e *Engine) sendCommand(conn *SignalingConnection, cmd pendingCommand, state initiatorState, payload []byte, onSent func()) error {
	if conn.busy() {
		return opError(cmd.signal.String(), conn.cid, cmd.localSEID, ErrCommandDisallowed)
	}

	cmd.label = conn.nextLabel()
	pending := &cmd
	conn.pending = pending
	conn.initiatorState = state

	msg := Message{Label: cmd.label, MessageType: MessageCommand, Signal: cmd.signal, Payload: payload}
	_, err := e.send(conn, msg, func() {
		if conn.pending == pending {
			conn.initiatorState = initiatorW4Answer
		}
		if onSent != nil {
			onSent()
		}
	})
	if err != nil {
		conn.pending = nil
		conn.initiatorState = initiatorIdle
		return opError(cmd.signal.String(), conn.cid, cmd.localSEID, err)
	}
	return nil
}

// DiscoverStreamEndpoints запрашивает список конечных точек удаленной стороны.
func (e *Engine) DiscoverStreamEndpoints(connID uint16) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	return e.sendCommand(conn, pendingCommand{signal: SignalDiscover}, initiatorW2Discover, nil, nil)
}

// GetCapabilities запрашивает базовые возможности удаленной конечной точки.
func (e *Engine) GetCapabilities(connID uint16, remoteSEID uint8) error {
	return e.remoteQuery(connID, remoteSEID, SignalGetCapabilities, initiatorW2GetCapabilities)
}

// GetAllCapabilities запрашивает все возможности, включая DelayReporting.
func (e *Engine) GetAllCapabilities(connID uint16, remoteSEID uint8) error {
	return e.remoteQuery(connID, remoteSEID, SignalGetAllCapabilities, initiatorW2GetAllCapabilities)
}

// GetConfiguration запрашивает текущую конфигурацию удаленной конечной точки.
func (e *Engine) GetConfiguration(connID uint16, remoteSEID uint8) error {
	return e.remoteQuery(connID, remoteSEID, SignalGetConfiguration, initiatorW2GetConfiguration)
}

func (e *Engine) remoteQuery(connID uint16, remoteSEID uint8, signal SignalID, state initiatorState) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	if !ValidSEID(remoteSEID) {
		return opError(signal.String(), connID, 0, ErrInvalidSEID)
	}
	cmd := pendingCommand{signal: signal, remoteSEID: remoteSEID}
	return e.sendCommand(conn, cmd, state, []byte{remoteSEID << 2}, nil)
}

// SetConfiguration конфигурирует пару локальной и удаленной конечных точек.
// Категория MediaTransport добавляется всегда.
func (e *Engine) SetConfiguration(connID uint16, localSEID, remoteSEID uint8, config Capabilities) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	ep, err := e.endpoint(connID, localSEID)
	if err != nil {
		return err
	}
	if !ValidSEID(remoteSEID) {
		return opError("set_configuration", connID, localSEID, ErrInvalidSEID)
	}
	if ep.InUse() || ep.configState != configIdle {
		return opError("set_configuration", connID, localSEID, fmt.Errorf("%w: состояние %s/%s", ErrCommandDisallowed, ep.State(), ep.configState))
	}
	if !config.Has(CategoryMediaCodec) {
		return opError("set_configuration", connID, localSEID, fmt.Errorf("%w: нет категории media_codec", ErrInvalidConfiguration))
	}
	if conn.busy() {
		return opError("set_configuration", connID, localSEID, ErrCommandDisallowed)
	}

	cfg := config.Clone()
	if !cfg.Has(CategoryMediaTransport) {
		cfg.Set(CategoryMediaTransport, nil)
	}

	if err := ep.fire(eventBeginConfiguration); err != nil {
		return opError("set_configuration", connID, localSEID, err)
	}
	ep.connID = conn.cid
	ep.remoteSEID = remoteSEID
	ep.configState = configLocalInitiated
	ep.initiatorState = epInitiatorW2SetConfiguration
	ep.published = true
	conn.isInitiator = true

	payload := append([]byte{remoteSEID << 2, localSEID << 2}, cfg.Marshal(false)...)
	cmd := pendingCommand{signal: SignalSetConfiguration, localSEID: localSEID, remoteSEID: remoteSEID, config: cfg}
	if err := e.sendEndpointCommand(conn, ep, cmd, payload); err != nil {
		ep.reset()
		return err
	}
	return nil
}

// Reconfigure меняет кодек открытого потока. Допустимы только категории
// MediaCodec и ContentProtection.
func (e *Engine) Reconfigure(connID uint16, localSEID uint8, config Capabilities) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	ep, err := e.ownedEndpoint(conn, localSEID)
	if err != nil {
		return err
	}
	if ep.State() != StateOpened {
		return opError("reconfigure", connID, localSEID, fmt.Errorf("%w: состояние %s", ErrCommandDisallowed, ep.State()))
	}
	for _, cat := range config.Categories() {
		if cat != CategoryMediaCodec && cat != CategoryContentProtection {
			return opError("reconfigure", connID, localSEID, fmt.Errorf("%w: категория %s", ErrInvalidConfiguration, cat))
		}
	}

	cfg := config.Clone()
	ep.initiatorState = epInitiatorW2Reconfigure
	payload := append([]byte{ep.remoteSEID << 2}, cfg.Marshal(false)...)
	cmd := pendingCommand{signal: SignalReconfigure, localSEID: localSEID, remoteSEID: ep.remoteSEID, config: cfg}
	if err := e.sendEndpointCommand(conn, ep, cmd, payload); err != nil {
		ep.initiatorState = epInitiatorIdle
		return err
	}
	return nil
}

// OpenStream открывает сконфигурированный поток. После ответа Accept
// движок открывает медиа канал.
func (e *Engine) OpenStream(connID uint16, localSEID uint8) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	ep, err := e.ownedEndpoint(conn, localSEID)
	if err != nil {
		return err
	}
	if ep.State() != StateConfigured || conn.busy() {
		return opError("open", connID, localSEID, fmt.Errorf("%w: состояние %s", ErrCommandDisallowed, ep.State()))
	}
	if err := ep.fire(eventRequestOpen); err != nil {
		return opError("open", connID, localSEID, err)
	}
	ep.initiatorState = epInitiatorW2OpenStream

	cmd := pendingCommand{signal: SignalOpen, localSEID: localSEID, remoteSEID: ep.remoteSEID}
	if err := e.sendEndpointCommand(conn, ep, cmd, []byte{ep.remoteSEID << 2}); err != nil {
		_ = ep.fire(eventOpenRejected)
		ep.initiatorState = epInitiatorIdle
		return err
	}
	return nil
}

// sendEndpointCommand отправляет команду от имени конечной точки и ведет
// ее подсостояние инициатора.
func (e *Engine) sendEndpointCommand(conn *SignalingConnection, ep *StreamEndpoint, cmd pendingCommand, payload []byte) error {
	if packetCount(len(payload), conn.mtu) > 1 {
		ep.initiatorState = epInitiatorFragmentedCommand
	}
	return e.sendCommand(conn, cmd, initiatorW2SendCommand, payload, func() {
		ep.initiatorState = epInitiatorW4Answer
		if cmd.signal == SignalOpen {
			if err := ep.fire(eventOpenSent); err != nil {
				ep.log.WithError(err).Debug("OPEN отправлен вне ожидаемого состояния")
			}
		}
	})
}

// StartStream запускает открытый поток.
func (e *Engine) StartStream(connID uint16, localSEID uint8) error {
	return e.streamCommand(connID, localSEID, SignalStart, StateOpened)
}

// SuspendStream приостанавливает поток.
func (e *Engine) SuspendStream(connID uint16, localSEID uint8) error {
	return e.streamCommand(connID, localSEID, SignalSuspend, StateStreaming)
}

// CloseStream закрывает поток. Медиа канал закрывается после ответа Accept.
func (e *Engine) CloseStream(connID uint16, localSEID uint8) error {
	return e.streamCommand(connID, localSEID, SignalClose, StateOpened, StateStreaming)
}

// AbortStream прерывает поток в любом состоянии после конфигурации.
func (e *Engine) AbortStream(connID uint16, localSEID uint8) error {
	return e.streamCommand(connID, localSEID, SignalAbort,
		StateConfigured, StateW2RequestOpenStream, StateW4AcceptOpenStream,
		StateW4L2capForMediaConnected, StateOpened, StateStreaming, StateClosing)
}

func (e *Engine) streamCommand(connID uint16, localSEID uint8, signal SignalID, allowed ...string) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	ep, err := e.ownedEndpoint(conn, localSEID)
	if err != nil {
		return err
	}
	state := ep.State()
	if !slices.Contains(allowed, state) {
		return opError(signal.String(), connID, localSEID, fmt.Errorf("%w: состояние %s", ErrCommandDisallowed, state))
	}
	cmd := pendingCommand{signal: signal, localSEID: localSEID, remoteSEID: ep.remoteSEID}
	return e.sendCommand(conn, cmd, initiatorW2SendCommand, []byte{ep.remoteSEID << 2}, nil)
}

// DelayReport сообщает удаленному источнику задержку воспроизведения
// в десятых долях миллисекунды.
func (e *Engine) DelayReport(connID uint16, localSEID uint8, delay uint16) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	ep, err := e.ownedEndpoint(conn, localSEID)
	if err != nil {
		return err
	}
	if ep.remoteSEID == 0 {
		return opError("delay_report", connID, localSEID, ErrCommandDisallowed)
	}
	cmd := pendingCommand{signal: SignalDelayReport, localSEID: localSEID, remoteSEID: ep.remoteSEID}
	payload := []byte{ep.remoteSEID << 2, byte(delay >> 8), byte(delay)}
	return e.sendCommand(conn, cmd, initiatorW2SendDelayReport, payload, nil)
}

// handleResponse обрабатывает Accept, Reject и GeneralReject на команду инициатора.
func (e *Engine) handleResponse(conn *SignalingConnection, msg Message) {
	cmd := conn.pending
	if cmd == nil || cmd.label != msg.Label || cmd.signal != msg.Signal {
		conn.log.WithFields(logrus.Fields{"signal": msg.Signal, "label": msg.Label}).Debug("Ответ без ожидающей команды пропущен")
		return
	}
	conn.pending = nil
	conn.initiatorState = initiatorIdle

	var ep *StreamEndpoint
	if cmd.localSEID != 0 {
		ep = e.endpoints[cmd.localSEID]
		if ep != nil {
			ep.initiatorState = epInitiatorIdle
		}
	}

	switch msg.MessageType {
	case MessageAccept:
		e.handleAccept(conn, ep, cmd, msg.Payload)
	case MessageReject:
		e.handleReject(conn, ep, cmd, msg.Payload, false)
	case MessageGeneralReject:
		e.handleReject(conn, ep, cmd, msg.Payload, true)
	}
}

func (e *Engine) handleAccept(conn *SignalingConnection, ep *StreamEndpoint, cmd *pendingCommand, payload []byte) {
	accepted := CommandAccepted{ConnID: conn.cid, LocalSEID: cmd.localSEID, Signal: cmd.signal, IsInitiator: true}

	switch cmd.signal {
	case SignalDiscover:
		e.discoverAccepted(conn, payload)

	case SignalGetCapabilities, SignalGetAllCapabilities:
		caps, perr := ParseCapabilities(payload)
		if perr != nil {
			conn.log.WithFields(logrus.Fields{
				"remote_seid": cmd.remoteSEID,
				"category":    perr.Category,
				"error":       perr.Code,
			}).Warn("Категория возможностей пропущена")
		}
		ev := CodecCapability{ConnID: conn.cid, RemoteSEID: cmd.remoteSEID, Capabilities: caps}
		if media, codec, info, ok := caps.MediaCodec(); ok {
			ev.MediaType, ev.Codec, ev.Info = media, codec, info
		}
		e.emit(ev)

	case SignalGetConfiguration:
		caps, _ := ParseCapabilities(payload)
		e.emit(RemoteConfiguration{ConnID: conn.cid, RemoteSEID: cmd.remoteSEID, Capabilities: caps})

	case SignalSetConfiguration:
		if ep == nil {
			return
		}
		ep.config = cmd.config
		ep.configState = configLocalConfigured
		if err := ep.fire(eventConfigure); err != nil {
			ep.log.WithError(err).Warn("Переход в Configured не выполнен")
		}
		ep.log.WithField("remote_seid", ep.remoteSEID).Info("Конфигурация принята удаленной стороной")
		e.emitConfiguration(conn, ep, false)

	case SignalReconfigure:
		if ep == nil {
			return
		}
		for cat, value := range cmd.config {
			ep.config.Set(cat, value)
		}
		e.emitConfiguration(conn, ep, true)
		e.emit(StreamReconfigured{ConnID: conn.cid, LocalSEID: ep.seid, Status: StatusSuccess})

	case SignalOpen:
		if ep == nil {
			return
		}
		if err := ep.fire(eventOpenAccepted); err != nil {
			ep.log.WithError(err).Warn("Переход к ожиданию медиа канала не выполнен")
			return
		}
		e.emit(accepted)
		e.openMediaChannel(conn, ep)
		return

	case SignalStart:
		if ep == nil {
			return
		}
		if err := ep.fire(eventStart); err != nil {
			ep.log.WithError(err).Warn("Переход в Streaming не выполнен")
		}
		e.emit(StreamStarted{ConnID: conn.cid, LocalSEID: ep.seid})

	case SignalSuspend:
		if ep == nil {
			return
		}
		if err := ep.fire(eventSuspend); err != nil {
			ep.log.WithError(err).Warn("Переход в Opened не выполнен")
		}
		e.emit(StreamSuspended{ConnID: conn.cid, LocalSEID: ep.seid})

	case SignalClose:
		if ep == nil {
			return
		}
		if err := ep.fire(eventClose); err != nil {
			ep.log.WithError(err).Warn("Переход в Closing не выполнен")
		}
		e.emit(accepted)
		e.closeMediaChannel(conn, ep)
		return

	case SignalAbort:
		if ep == nil {
			return
		}
		if err := ep.fire(eventAbort); err != nil {
			ep.log.WithError(err).Warn("Переход в Aborting не выполнен")
		}
		e.emit(accepted)
		e.closeMediaChannel(conn, ep)
		return
	}

	e.emit(accepted)
}

// discoverAccepted разбирает список конечных точек по 2 байта на запись.
// Некорректный SEID прекращает перечисление.
func (e *Engine) discoverAccepted(conn *SignalingConnection, payload []byte) {
	conn.discovered = conn.discovered[:0]
	for i := 0; i+1 < len(payload); i += 2 {
		info := EndpointInfo{
			SEID:      payload[i] >> 2,
			InUse:     payload[i]&0x02 != 0,
			MediaType: MediaType(payload[i+1] >> 4),
			SepType:   SepType((payload[i+1] >> 3) & 0x01),
		}
		if !ValidSEID(info.SEID) {
			conn.log.WithField("seid", info.SEID).Warn("Некорректный SEID в ответе DISCOVER, перечисление прервано")
			break
		}
		conn.discovered = append(conn.discovered, info)
		e.emit(SepFound{ConnID: conn.cid, SEID: info.SEID, InUse: info.InUse, MediaType: info.MediaType, SepType: info.SepType})
	}
	e.emit(SepDiscoveryDone{ConnID: conn.cid, Status: StatusSuccess})
}

func (e *Engine) emitConfiguration(conn *SignalingConnection, ep *StreamEndpoint, reconfigure bool) {
	ev := CodecConfiguration{ConnID: conn.cid, LocalSEID: ep.seid, RemoteSEID: ep.remoteSEID, Reconfigure: reconfigure}
	if media, codec, info, ok := ep.config.MediaCodec(); ok {
		ev.MediaType, ev.Codec = media, codec
		ev.Info = append([]byte(nil), info...)
	}
	e.emit(ev)
}

func (e *Engine) openMediaChannel(conn *SignalingConnection, ep *StreamEndpoint) {
	cid, err := e.transport.Connect(conn.addr, e.cfg.PSM)
	if err != nil {
		ep.log.WithError(err).Error("Не удалось открыть медиа канал")
		remoteSEID := ep.remoteSEID
		ep.reset()
		e.emit(StreamEstablished{ConnID: conn.cid, Addr: conn.addr, LocalSEID: ep.seid, RemoteSEID: remoteSEID, Status: StatusConnectionFailed})
		return
	}
	e.outgoing[cid] = outgoingChannel{kind: channelMedia, connID: conn.cid, seid: ep.seid}
}

// closeMediaChannel закрывает медиа канал после CLOSE или ABORT. Без медиа
// канала конечная точка освобождается сразу.
func (e *Engine) closeMediaChannel(conn *SignalingConnection, ep *StreamEndpoint) {
	if ep.mediaCID == 0 {
		seid := ep.seid
		ep.reset()
		e.emit(StreamReleased{ConnID: conn.cid, LocalSEID: seid})
		return
	}
	if err := ep.fire(eventMediaDisconnecting); err != nil {
		ep.log.WithError(err).Debug("Переход к закрытию медиа канала не выполнен")
	}
	if err := e.transport.Disconnect(ep.mediaCID); err != nil {
		ep.log.WithError(err).Warn("Не удалось закрыть медиа канал")
	}
}

func (e *Engine) handleReject(conn *SignalingConnection, ep *StreamEndpoint, cmd *pendingCommand, payload []byte, general bool) {
	rejected := CommandRejected{
		ConnID:      conn.cid,
		LocalSEID:   cmd.localSEID,
		Signal:      cmd.signal,
		General:     general,
		IsInitiator: true,
	}
	if !general {
		rejected.Category, rejected.ErrorCode = parseRejectPayload(cmd.signal, payload)
	}
	conn.log.WithFields(logrus.Fields{
		"signal":  cmd.signal,
		"error":   rejected.ErrorCode,
		"general": general,
	}).Warn("Команда отклонена")

	switch cmd.signal {
	case SignalSetConfiguration:
		// Удаленная сторона конфигурирует сама, локальная становится акцептором
		conn.isInitiator = false
		if ep != nil && ep.configState == configLocalInitiated {
			_ = ep.fire(eventConfigFailed)
			ep.configState = configIdle
			ep.remoteSEID = 0
			ep.connID = 0
		}
	case SignalReconfigure:
		if ep != nil {
			e.emit(StreamReconfigured{ConnID: conn.cid, LocalSEID: ep.seid, Status: StatusRejected})
		}
	case SignalOpen:
		if ep != nil {
			_ = ep.fire(eventOpenRejected)
		}
	case SignalDiscover:
		e.emit(SepDiscoveryDone{ConnID: conn.cid, Status: StatusRejected})
	}

	e.emit(rejected)
}

// parseRejectPayload извлекает категорию и код ошибки из Reject.
// SET_CONFIGURATION и RECONFIGURE несут [категория, код], START и SUSPEND
// несут [seid, код], остальные команды только код.
func parseRejectPayload(signal SignalID, payload []byte) (ServiceCategory, ErrorCode) {
	switch signal {
	case SignalSetConfiguration, SignalReconfigure:
		if len(payload) >= 2 {
			return ServiceCategory(payload[0]), ErrorCode(payload[1])
		}
	case SignalStart, SignalSuspend:
		if len(payload) >= 2 {
			return 0, ErrorCode(payload[1])
		}
	}
	if len(payload) >= 1 {
		return 0, ErrorCode(payload[len(payload)-1])
	}
	return 0, ErrorNone
}

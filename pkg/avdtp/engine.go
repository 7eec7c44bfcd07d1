// Package avdtp реализует сигнальный протокол AVDTP поверх каналов L2CAP:
// кодек PDU с фрагментацией, автоматы инициатора и акцептора, конечные
// точки потоков и медиа каналы.
//
// Движок однопоточный. Все методы Engine, включая обработчики l2cap.Handler,
// должны вызываться из одного цикла событий (см. пакет runloop). События
// доставляются наблюдателям синхронно, и наблюдатель может сразу вызывать
// команды движка.
package avdtp

import (
	"fmt"
	"slices"

	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Transport каналы L2CAP, которыми пользуется движок.
type Transport interface {
	SetHandler(h l2cap.Handler)
	Connect(remote l2cap.Addr, psm uint16) (uint16, error)
	Disconnect(cid uint16) error
	Send(cid uint16, data []byte) error
	RequestCanSendNow(cid uint16)
	MTU(cid uint16) int
}

// Config параметры движка
type Config struct {
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
	Namespace  string

	// PSM сигнального и медиа каналов
	PSM uint16

	// SignalingMTU ограничивает размер сигнального пакета сверху.
	// 0 означает MTU, согласованный каналом.
	SignalingMTU int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "a2dp",
		PSM:       l2cap.PSMAVDTP,
	}
}

type channelKind uint8

const (
	channelSignaling channelKind = iota
	channelMedia
)

// outgoingChannel исходящий канал, ожидающий ChannelOpened.
type outgoingChannel struct {
	kind   channelKind
	connID uint16
	seid   uint8
}

// Engine сигнальный движок AVDTP
type Engine struct {
	cfg       Config
	transport Transport
	log       logrus.FieldLogger
	metrics   *engineMetrics
	observers []Observer

	endpoints map[uint8]*StreamEndpoint
	nextSEID  uint8

	conns    map[uint16]*SignalingConnection
	outgoing map[uint16]outgoingChannel
	media    map[uint16]*StreamEndpoint
}

// NewEngine создает движок и регистрирует его обработчиком транспорта.
func NewEngine(cfg Config, transport Transport) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.PSM == 0 {
		cfg.PSM = l2cap.PSMAVDTP
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		log:       cfg.Logger.WithField("component", "avdtp"),
		metrics:   newEngineMetrics(cfg.Registerer, cfg.Namespace),
		endpoints: make(map[uint8]*StreamEndpoint),
		nextSEID:  MinSEID,
		conns:     make(map[uint16]*SignalingConnection),
		outgoing:  make(map[uint16]outgoingChannel),
		media:     make(map[uint16]*StreamEndpoint),
	}
	transport.SetHandler(e)
	return e
}

// Subscribe добавляет наблюдателя событий.
func (e *Engine) Subscribe(o Observer) {
	e.observers = append(e.observers, o)
}

func (e *Engine) emit(ev Event) {
	e.log.WithField("event", ev.eventName()).Debug("Событие AVDTP")
	for _, o := range e.observers {
		o.HandleEvent(ev)
	}
}

// CreateStreamEndpoint регистрирует локальную конечную точку.
// SEID выделяются последовательно и не переиспользуются.
func (e *Engine) CreateStreamEndpoint(sep SepType, media MediaType) (*StreamEndpoint, error) {
	if e.nextSEID > MaxSEID {
		return nil, ErrTooManyEndpoints
	}
	seid := e.nextSEID
	e.nextSEID++

	ep := newStreamEndpoint(seid, media, sep, e.log, func(dst string) {
		e.metrics.transitions.WithLabelValues(dst).Inc()
	})
	e.endpoints[seid] = ep
	e.log.WithFields(logrus.Fields{"seid": seid, "sep": sep, "media": media}).Info("Зарегистрирована конечная точка")
	return ep, nil
}

// Endpoint возвращает локальную конечную точку по SEID.
func (e *Engine) Endpoint(seid uint8) (*StreamEndpoint, bool) {
	ep, ok := e.endpoints[seid]
	return ep, ok
}

// Endpoints возвращает конечные точки по возрастанию SEID.
func (e *Engine) Endpoints() []*StreamEndpoint {
	seids := make([]uint8, 0, len(e.endpoints))
	for seid := range e.endpoints {
		seids = append(seids, seid)
	}
	slices.Sort(seids)

	out := make([]*StreamEndpoint, 0, len(seids))
	for _, seid := range seids {
		out = append(out, e.endpoints[seid])
	}
	return out
}

// Connection возвращает сигнальное соединение.
func (e *Engine) Connection(connID uint16) (*SignalingConnection, bool) {
	conn, ok := e.conns[connID]
	return conn, ok
}

// Connections количество открытых сигнальных соединений.
func (e *Engine) Connections() int {
	return len(e.conns)
}

// Connect открывает сигнальный канал. Возвращает идентификатор будущего
// соединения, результат приходит событием SignalingConnectionEstablished.
func (e *Engine) Connect(addr l2cap.Addr) (uint16, error) {
	cid, err := e.transport.Connect(addr, e.cfg.PSM)
	if err != nil {
		return 0, opError("connect", 0, 0, err)
	}
	e.outgoing[cid] = outgoingChannel{kind: channelSignaling, connID: cid}
	e.log.WithFields(logrus.Fields{"cid": cid, "remote": addr.String()}).Debug("Открытие сигнального канала")
	return cid, nil
}

// Disconnect закрывает медиа каналы соединения и сигнальный канал.
func (e *Engine) Disconnect(connID uint16) error {
	conn, err := e.connection(connID)
	if err != nil {
		return err
	}
	for _, ep := range e.Endpoints() {
		if ep.connID == conn.cid && ep.mediaCID != 0 {
			if err := e.transport.Disconnect(ep.mediaCID); err != nil {
				ep.log.WithError(err).Warn("Не удалось закрыть медиа канал")
			}
		}
	}
	if err := e.transport.Disconnect(conn.cid); err != nil {
		return opError("disconnect", connID, 0, err)
	}
	return nil
}

func (e *Engine) connection(connID uint16) (*SignalingConnection, error) {
	conn, ok := e.conns[connID]
	if !ok {
		return nil, opError("connection", connID, 0, ErrUnknownConnection)
	}
	return conn, nil
}

func (e *Engine) endpoint(connID uint16, seid uint8) (*StreamEndpoint, error) {
	ep, ok := e.endpoints[seid]
	if !ok {
		return nil, opError("endpoint", connID, seid, ErrUnknownEndpoint)
	}
	return ep, nil
}

// ownedEndpoint конечная точка, принадлежащая соединению.
func (e *Engine) ownedEndpoint(conn *SignalingConnection, seid uint8) (*StreamEndpoint, error) {
	ep, err := e.endpoint(conn.cid, seid)
	if err != nil {
		return nil, err
	}
	if ep.connID != conn.cid {
		return nil, opError("endpoint", conn.cid, seid, ErrCommandDisallowed)
	}
	return ep, nil
}

// ChannelOpened реализует l2cap.Handler.
func (e *Engine) ChannelOpened(ev l2cap.ChannelOpened) {
	if ev.PSM != e.cfg.PSM {
		e.log.WithFields(logrus.Fields{"cid": ev.CID, "psm": ev.PSM}).Debug("Канал с чужим PSM пропущен")
		return
	}

	if !ev.Incoming {
		out, ok := e.outgoing[ev.CID]
		if !ok {
			e.log.WithField("cid", ev.CID).Warn("Открыт неизвестный исходящий канал")
			return
		}
		delete(e.outgoing, ev.CID)

		if out.kind == channelMedia {
			e.mediaChannelOpened(out.connID, out.seid, ev)
			return
		}
		if ev.Err != nil {
			e.log.WithError(ev.Err).WithFields(logrus.Fields{"cid": ev.CID, "remote": ev.Addr.String()}).Warn("Сигнальный канал не открыт")
			e.emit(SignalingConnectionEstablished{ConnID: ev.CID, Addr: ev.Addr, Status: StatusConnectionFailed})
			return
		}
		e.signalingChannelOpened(ev)
		return
	}

	if ev.Err != nil {
		return
	}
	if conn, ep := e.awaitingMedia(ev.Addr); ep != nil {
		e.mediaChannelOpened(conn.cid, ep.seid, ev)
		return
	}
	e.signalingChannelOpened(ev)
}

// awaitingMedia ищет конечную точку, ожидающую входящий медиа канал от addr.
func (e *Engine) awaitingMedia(addr l2cap.Addr) (*SignalingConnection, *StreamEndpoint) {
	for _, conn := range e.conns {
		if conn.addr != addr || conn.mediaSEID == 0 {
			continue
		}
		if ep, ok := e.endpoints[conn.mediaSEID]; ok && ep.State() == StateW4L2capForMediaConnected {
			return conn, ep
		}
	}
	return nil, nil
}

func (e *Engine) signalingChannelOpened(ev l2cap.ChannelOpened) {
	mtu := ev.MTU
	if e.cfg.SignalingMTU > 0 && (mtu == 0 || e.cfg.SignalingMTU < mtu) {
		mtu = e.cfg.SignalingMTU
	}
	conn := newSignalingConnection(ev.CID, ev.Addr, ev.Incoming, mtu, e.log)
	e.conns[ev.CID] = conn
	e.metrics.connections.Inc()

	conn.log.WithFields(logrus.Fields{"incoming": ev.Incoming, "mtu": mtu}).Info("Сигнальное соединение установлено")
	e.emit(SignalingConnectionEstablished{ConnID: ev.CID, Addr: ev.Addr, Incoming: ev.Incoming, Status: StatusSuccess})
}

func (e *Engine) mediaChannelOpened(connID uint16, seid uint8, ev l2cap.ChannelOpened) {
	ep, ok := e.endpoints[seid]
	conn, connOK := e.conns[connID]
	if !ok || !connOK || ep.connID != connID {
		if ev.Err == nil {
			_ = e.transport.Disconnect(ev.CID)
		}
		return
	}
	remoteSEID := ep.remoteSEID

	if ev.Err != nil {
		ep.log.WithError(ev.Err).Warn("Медиа канал не открыт")
		conn.mediaSEID = 0
		ep.reset()
		e.emit(StreamEstablished{ConnID: connID, Addr: ev.Addr, LocalSEID: seid, RemoteSEID: remoteSEID, Status: StatusConnectionFailed})
		return
	}
	if ep.State() != StateW4L2capForMediaConnected {
		ep.log.WithField("state", ep.State()).Warn("Медиа канал открыт в неподходящем состоянии")
		_ = e.transport.Disconnect(ev.CID)
		e.emit(StreamEstablished{ConnID: connID, Addr: ev.Addr, LocalSEID: seid, RemoteSEID: remoteSEID, Status: StatusCommandDisallowed})
		return
	}

	conn.mediaSEID = 0
	ep.mediaCID = ev.CID
	e.media[ev.CID] = ep
	if err := ep.fire(eventMediaConnected); err != nil {
		ep.log.WithError(err).Warn("Переход в Opened не выполнен")
	}
	ep.log.WithFields(logrus.Fields{"media_cid": ev.CID, "remote_seid": remoteSEID}).Info("Медиа канал открыт")
	e.emit(StreamEstablished{ConnID: connID, Addr: ev.Addr, LocalSEID: seid, RemoteSEID: remoteSEID, Status: StatusSuccess})
}

// ChannelClosed реализует l2cap.Handler.
func (e *Engine) ChannelClosed(cid uint16) {
	delete(e.outgoing, cid)

	if ep, ok := e.media[cid]; ok {
		delete(e.media, cid)
		connID, seid := ep.connID, ep.seid
		ep.log.WithField("media_cid", cid).Info("Медиа канал закрыт")
		ep.reset()
		e.emit(StreamReleased{ConnID: connID, LocalSEID: seid})
		return
	}
	if conn, ok := e.conns[cid]; ok {
		e.releaseConnection(conn)
	}
}

// releaseConnection освобождает все конечные точки соединения.
func (e *Engine) releaseConnection(conn *SignalingConnection) {
	delete(e.conns, conn.cid)
	e.metrics.connections.Dec()

	for cid, out := range e.outgoing {
		if out.kind == channelMedia && out.connID == conn.cid {
			delete(e.outgoing, cid)
		}
	}

	for _, ep := range e.Endpoints() {
		if ep.connID != conn.cid {
			continue
		}
		hadStream := ep.mediaCID != 0
		if hadStream {
			delete(e.media, ep.mediaCID)
			if err := e.transport.Disconnect(ep.mediaCID); err != nil {
				ep.log.WithError(err).Debug("Медиа канал уже закрыт")
			}
		}
		seid := ep.seid
		ep.reset()
		if hadStream {
			e.emit(StreamReleased{ConnID: conn.cid, LocalSEID: seid})
		}
	}

	conn.log.Info("Сигнальное соединение закрыто")
	e.emit(SignalingConnectionReleased{ConnID: conn.cid, Addr: conn.addr})
}

// DataReceived реализует l2cap.Handler.
func (e *Engine) DataReceived(cid uint16, data []byte) {
	if ep, ok := e.media[cid]; ok {
		e.mediaReceived(ep, data)
		return
	}
	conn, ok := e.conns[cid]
	if !ok {
		e.log.WithField("cid", cid).Debug("Данные по неизвестному каналу")
		return
	}

	msg, complete, err := conn.reassembler.Push(data)
	if err != nil {
		e.metrics.malformedPDUs.Inc()
		conn.log.WithError(err).Warn("Некорректный пакет отброшен")
		return
	}
	if ParseHeader(data[0]).PacketType != PacketSingle {
		e.metrics.fragments.WithLabelValues("in").Inc()
	}
	if !complete {
		return
	}

	e.metrics.pdusReceived.WithLabelValues(msg.Signal.String(), msg.MessageType.String()).Inc()
	conn.log.WithFields(logrus.Fields{
		"signal":  msg.Signal,
		"message": msg.MessageType,
		"label":   msg.Label,
		"length":  len(msg.Payload),
	}).Debug("Получено сигнальное сообщение")

	if msg.MessageType == MessageCommand {
		e.handleCommand(conn, msg)
		return
	}
	e.handleResponse(conn, msg)
}

func (e *Engine) mediaReceived(ep *StreamEndpoint, data []byte) {
	pkt, err := ParseMediaPacket(data)
	if err != nil {
		ep.log.WithError(err).Debug("Медиа пакет отброшен")
		return
	}
	e.metrics.mediaReceived.Inc()
	e.emit(MediaPacketReceived{ConnID: ep.connID, LocalSEID: ep.seid, Packet: pkt})
}

// CanSendNow реализует l2cap.Handler.
func (e *Engine) CanSendNow(cid uint16) {
	if ep, ok := e.media[cid]; ok {
		e.emit(CanSendMediaPacketNow{ConnID: ep.connID, LocalSEID: ep.seid})
		return
	}
	conn, ok := e.conns[cid]
	if !ok {
		return
	}
	conn.sendRequested = false
	if len(conn.outbox) == 0 {
		return
	}

	pkt := conn.outbox[0]
	conn.outbox = conn.outbox[1:]
	if err := e.transport.Send(cid, pkt.data); err != nil {
		conn.log.WithError(err).Error("Ошибка отправки сигнального пакета")
		conn.outbox = nil
		conn.pending = nil
		conn.initiatorState = initiatorIdle
		conn.acceptorState = acceptorIdle
		return
	}
	if pkt.done != nil {
		pkt.done()
	}
	if len(conn.outbox) > 0 {
		e.requestSend(conn)
	}
}

func (e *Engine) requestSend(conn *SignalingConnection) {
	if conn.sendRequested {
		return
	}
	conn.sendRequested = true
	e.transport.RequestCanSendNow(conn.cid)
}

// send фрагментирует сообщение и ставит пакеты в очередь канала.
// done вызывается после отправки последнего пакета. Возвращает число пакетов.
func (e *Engine) send(conn *SignalingConnection, msg Message, done func()) (int, error) {
	packets, err := Fragment(msg, conn.mtu)
	if err != nil {
		return 0, err
	}
	for i, data := range packets {
		pkt := outboundPacket{data: data}
		if i == len(packets)-1 {
			pkt.done = done
		}
		conn.outbox = append(conn.outbox, pkt)
	}
	if len(packets) > 1 {
		e.metrics.fragments.WithLabelValues("out").Add(float64(len(packets)))
	}
	e.metrics.pdusSent.WithLabelValues(msg.Signal.String(), msg.MessageType.String()).Inc()
	conn.log.WithFields(logrus.Fields{
		"signal":  msg.Signal,
		"message": msg.MessageType,
		"label":   msg.Label,
		"packets": len(packets),
	}).Debug("Сигнальное сообщение поставлено в очередь")

	e.requestSend(conn)
	return len(packets), nil
}

// SendMediaPayload отправляет SBC кадры одним медиа пакетом.
// Метка времени растет на numFrames кадров.
func (e *Engine) SendMediaPayload(connID uint16, seid uint8, frames []byte, numFrames int, marker bool) error {
	ep, err := e.streamingEndpoint(connID, seid)
	if err != nil {
		return err
	}

	pkt := &MediaPacket{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    MediaPayloadType,
			SequenceNumber: ep.sequence,
			Timestamp:      ep.timestamp,
			SSRC:           ep.ssrc,
		},
		NumFrames: numFrames,
		Frames:    frames,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return opError("send_media", connID, seid, err)
	}
	if err := e.transport.Send(ep.mediaCID, data); err != nil {
		return opError("send_media", connID, seid, err)
	}

	ep.sequence++
	ep.timestamp += uint32(numFrames * ep.samplesPerFrame())
	e.metrics.mediaSent.Inc()
	return nil
}

// RequestCanSendNowMedia запрашивает событие CanSendMediaPacketNow.
func (e *Engine) RequestCanSendNowMedia(connID uint16, seid uint8) error {
	ep, err := e.streamingEndpoint(connID, seid)
	if err != nil {
		return err
	}
	e.transport.RequestCanSendNow(ep.mediaCID)
	return nil
}

// MaxMediaPayloadSize максимальный размер SBC кадров в одном медиа пакете.
func (e *Engine) MaxMediaPayloadSize(connID uint16, seid uint8) int {
	ep, ok := e.endpoints[seid]
	if !ok || ep.connID != connID || ep.mediaCID == 0 {
		return 0
	}
	return max(e.transport.MTU(ep.mediaCID)-MediaHeaderOverhead, 0)
}

func (e *Engine) streamingEndpoint(connID uint16, seid uint8) (*StreamEndpoint, error) {
	ep, err := e.endpoint(connID, seid)
	if err != nil {
		return nil, err
	}
	if ep.connID != connID {
		return nil, opError("media", connID, seid, ErrCommandDisallowed)
	}
	if ep.mediaCID == 0 {
		return nil, opError("media", connID, seid, ErrNoMediaChannel)
	}
	if ep.State() != StateStreaming {
		return nil, opError("media", connID, seid, fmt.Errorf("%w: состояние %s", ErrCommandDisallowed, ep.State()))
	}
	return ep, nil
}

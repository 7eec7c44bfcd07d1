package avdtp

import (
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/sirupsen/logrus"
)

// initiatorState состояние инициатора на уровне соединения.
type initiatorState uint8

const (
	initiatorIdle initiatorState = iota
	initiatorW2Discover
	initiatorW2GetCapabilities
	initiatorW2GetAllCapabilities
	initiatorW2GetConfiguration
	initiatorW2SendDelayReport
	initiatorW2SendCommand
	initiatorW4Answer
)

func (s initiatorState) String() string {
	switch s {
	case initiatorW2Discover:
		return "w2_discover"
	case initiatorW2GetCapabilities:
		return "w2_get_capabilities"
	case initiatorW2GetAllCapabilities:
		return "w2_get_all_capabilities"
	case initiatorW2GetConfiguration:
		return "w2_get_configuration"
	case initiatorW2SendDelayReport:
		return "w2_send_delay_report"
	case initiatorW2SendCommand:
		return "w2_send_command"
	case initiatorW4Answer:
		return "w4_answer"
	default:
		return "idle"
	}
}

// acceptorState состояние акцептора на уровне соединения.
type acceptorState uint8

const (
	acceptorIdle acceptorState = iota
	acceptorW2Answer
)

func (s acceptorState) String() string {
	if s == acceptorW2Answer {
		return "w2_answer"
	}
	return "idle"
}

// pendingCommand единственная команда, ожидающая ответа.
type pendingCommand struct {
	label      uint8
	signal     SignalID
	localSEID  uint8
	remoteSEID uint8
	config     Capabilities
}

// outboundPacket пакет в очереди на отправку по сигнальному каналу.
// done вызывается после успешной отправки пакета.
type outboundPacket struct {
	data []byte
	done func()
}

// SignalingConnection сигнальное соединение AVDTP с одним удаленным устройством.
type SignalingConnection struct {
	cid      uint16
	addr     l2cap.Addr
	incoming bool
	mtu      int

	label          uint8
	initiatorState initiatorState
	acceptorState  acceptorState
	pending        *pendingCommand
	isInitiator    bool

	discovered    []EndpointInfo
	reassembler   Reassembler
	outbox        []outboundPacket
	sendRequested bool

	// SEID локальной конечной точки, ожидающей медиа канал
	mediaSEID uint8

	log logrus.FieldLogger
}

func newSignalingConnection(cid uint16, addr l2cap.Addr, incoming bool, mtu int, logger logrus.FieldLogger) *SignalingConnection {
	return &SignalingConnection{
		cid:      cid,
		addr:     addr,
		incoming: incoming,
		mtu:      mtu,
		log: logger.WithFields(logrus.Fields{
			"cid":    cid,
			"remote": addr.String(),
		}),
	}
}

// ID идентификатор соединения (CID сигнального канала).
func (c *SignalingConnection) ID() uint16 { return c.cid }

// Addr адрес удаленного устройства.
func (c *SignalingConnection) Addr() l2cap.Addr { return c.addr }

// Incoming сообщает, что канал открыт удаленной стороной.
func (c *SignalingConnection) Incoming() bool { return c.incoming }

// IsInitiator сообщает, что локальная сторона ведет текущую конфигурацию.
func (c *SignalingConnection) IsInitiator() bool { return c.isInitiator }

// DiscoveredEndpoints копия последнего результата DISCOVER.
func (c *SignalingConnection) DiscoveredEndpoints() []EndpointInfo {
	out := make([]EndpointInfo, len(c.discovered))
	copy(out, c.discovered)
	return out
}

// nextLabel выдает метку транзакции, счетчик идет по кругу 0..15.
func (c *SignalingConnection) nextLabel() uint8 {
	label := c.label
	c.label = (c.label + 1) & 0x0F
	return label
}

// busy сообщает о команде, ожидающей отправки или ответа.
func (c *SignalingConnection) busy() bool {
	return c.pending != nil
}

package avdtp

import "github.com/arzzra/soft_a2dp/pkg/l2cap"

// Event событие движка AVDTP. Конкретный тип определяется type switch.
type Event interface {
	eventName() string
}

// Observer получает события движка. Вызывается из цикла событий.
type Observer interface {
	HandleEvent(ev Event)
}

// ObserverFunc адаптер функции к Observer.
type ObserverFunc func(ev Event)

// HandleEvent реализует Observer.
func (f ObserverFunc) HandleEvent(ev Event) { f(ev) }

// SignalingConnectionEstablished сигнальный канал открыт или не смог открыться.
type SignalingConnectionEstablished struct {
	ConnID   uint16
	Addr     l2cap.Addr
	Incoming bool
	Status   Status
}

// SignalingConnectionReleased сигнальный канал закрыт.
type SignalingConnectionReleased struct {
	ConnID uint16
	Addr   l2cap.Addr
}

// SepFound запись ответа DISCOVER.
type SepFound struct {
	ConnID    uint16
	SEID      uint8
	InUse     bool
	MediaType MediaType
	SepType   SepType
}

// SepDiscoveryDone окончание перечисления SepFound.
type SepDiscoveryDone struct {
	ConnID uint16
	Status Status
}

// CodecCapability возможности удаленной конечной точки.
type CodecCapability struct {
	ConnID       uint16
	RemoteSEID   uint8
	MediaType    MediaType
	Codec        CodecType
	Info         []byte
	Capabilities Capabilities
}

// CodecConfiguration конфигурация, установленная для локальной конечной точки.
type CodecConfiguration struct {
	ConnID      uint16
	LocalSEID   uint8
	RemoteSEID  uint8
	MediaType   MediaType
	Codec       CodecType
	Info        []byte
	Reconfigure bool
}

// RemoteConfiguration ответ GET_CONFIGURATION.
type RemoteConfiguration struct {
	ConnID       uint16
	RemoteSEID   uint8
	Capabilities Capabilities
}

// StreamEstablished медиа канал открыт или открытие не удалось.
type StreamEstablished struct {
	ConnID     uint16
	Addr       l2cap.Addr
	LocalSEID  uint8
	RemoteSEID uint8
	Status     Status
}

// StreamStarted поток перешел в Streaming.
type StreamStarted struct {
	ConnID    uint16
	LocalSEID uint8
}

// StreamSuspended поток приостановлен.
type StreamSuspended struct {
	ConnID    uint16
	LocalSEID uint8
}

// StreamReleased медиа канал закрыт, конечная точка свободна.
type StreamReleased struct {
	ConnID    uint16
	LocalSEID uint8
}

// StreamReconfigured результат RECONFIGURE.
type StreamReconfigured struct {
	ConnID    uint16
	LocalSEID uint8
	Status    Status
}

// CommandAccepted удаленная сторона приняла команду или локальная
// сторона приняла команду удаленной (IsInitiator == false).
type CommandAccepted struct {
	ConnID      uint16
	LocalSEID   uint8
	Signal      SignalID
	IsInitiator bool
}

// CommandRejected отказ на команду. General означает GENERAL_REJECT.
type CommandRejected struct {
	ConnID      uint16
	LocalSEID   uint8
	Signal      SignalID
	ErrorCode   ErrorCode
	Category    ServiceCategory
	General     bool
	IsInitiator bool
}

// CanSendMediaPacketNow медиа канал готов принять пакет.
type CanSendMediaPacketNow struct {
	ConnID    uint16
	LocalSEID uint8
}

// DelayReported удаленный приемник сообщил задержку в десятых долях миллисекунды.
type DelayReported struct {
	ConnID    uint16
	LocalSEID uint8
	Delay     uint16
}

// MediaPacketReceived принят медиа пакет.
type MediaPacketReceived struct {
	ConnID    uint16
	LocalSEID uint8
	Packet    *MediaPacket
}

func (SignalingConnectionEstablished) eventName() string { return "signaling_connection_established" }
func (SignalingConnectionReleased) eventName() string    { return "signaling_connection_released" }
func (SepFound) eventName() string                       { return "sep_found" }
func (SepDiscoveryDone) eventName() string               { return "sep_discovery_done" }
func (CodecCapability) eventName() string                { return "codec_capability" }
func (CodecConfiguration) eventName() string             { return "codec_configuration" }
func (RemoteConfiguration) eventName() string            { return "remote_configuration" }
func (StreamEstablished) eventName() string              { return "stream_established" }
func (StreamStarted) eventName() string                  { return "stream_started" }
func (StreamSuspended) eventName() string                { return "stream_suspended" }
func (StreamReleased) eventName() string                 { return "stream_released" }
func (StreamReconfigured) eventName() string             { return "stream_reconfigured" }
func (CommandAccepted) eventName() string                { return "command_accepted" }
func (CommandRejected) eventName() string                { return "command_rejected" }
func (CanSendMediaPacketNow) eventName() string          { return "can_send_media_packet_now" }
func (DelayReported) eventName() string                  { return "delay_reported" }
func (MediaPacketReceived) eventName() string            { return "media_packet_received" }

// EventName имя события для логов и метрик.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

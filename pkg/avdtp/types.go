package avdtp

import "fmt"

// SignalID идентификатор сигнала AVDTP.
type SignalID uint8

const (
	SignalDiscover           SignalID = 0x01
	SignalGetCapabilities    SignalID = 0x02
	SignalSetConfiguration   SignalID = 0x03
	SignalGetConfiguration   SignalID = 0x04
	SignalReconfigure        SignalID = 0x05
	SignalOpen               SignalID = 0x06
	SignalStart              SignalID = 0x07
	SignalClose              SignalID = 0x08
	SignalSuspend            SignalID = 0x09
	SignalAbort              SignalID = 0x0A
	SignalSecurityControl    SignalID = 0x0B
	SignalGetAllCapabilities SignalID = 0x0C
	SignalDelayReport        SignalID = 0x0D

	signalMask = 0x3F
)

func (s SignalID) String() string {
	switch s {
	case SignalDiscover:
		return "DISCOVER"
	case SignalGetCapabilities:
		return "GET_CAPABILITIES"
	case SignalSetConfiguration:
		return "SET_CONFIGURATION"
	case SignalGetConfiguration:
		return "GET_CONFIGURATION"
	case SignalReconfigure:
		return "RECONFIGURE"
	case SignalOpen:
		return "OPEN"
	case SignalStart:
		return "START"
	case SignalClose:
		return "CLOSE"
	case SignalSuspend:
		return "SUSPEND"
	case SignalAbort:
		return "ABORT"
	case SignalSecurityControl:
		return "SECURITY_CONTROL"
	case SignalGetAllCapabilities:
		return "GET_ALL_CAPABILITIES"
	case SignalDelayReport:
		return "DELAY_REPORT"
	default:
		return fmt.Sprintf("SIGNAL(0x%02x)", uint8(s))
	}
}

// MessageType тип сообщения в младших битах заголовка.
type MessageType uint8

const (
	MessageCommand       MessageType = 0
	MessageGeneralReject MessageType = 1
	MessageAccept        MessageType = 2
	MessageReject        MessageType = 3
)

func (m MessageType) String() string {
	switch m {
	case MessageCommand:
		return "command"
	case MessageGeneralReject:
		return "general_reject"
	case MessageAccept:
		return "accept"
	case MessageReject:
		return "reject"
	default:
		return "unknown"
	}
}

// PacketType тип пакета фрагментации.
type PacketType uint8

const (
	PacketSingle   PacketType = 0
	PacketStart    PacketType = 1
	PacketContinue PacketType = 2
	PacketEnd      PacketType = 3
)

func (p PacketType) String() string {
	switch p {
	case PacketSingle:
		return "single"
	case PacketStart:
		return "start"
	case PacketContinue:
		return "continue"
	case PacketEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ServiceCategory категория возможностей (capability) конечной точки.
type ServiceCategory uint8

const (
	CategoryMediaTransport    ServiceCategory = 0x01
	CategoryReporting         ServiceCategory = 0x02
	CategoryRecovery          ServiceCategory = 0x03
	CategoryContentProtection ServiceCategory = 0x04
	CategoryHeaderCompression ServiceCategory = 0x05
	CategoryMultiplexing      ServiceCategory = 0x06
	CategoryMediaCodec        ServiceCategory = 0x07
	CategoryDelayReporting    ServiceCategory = 0x08

	categoryFirst = CategoryMediaTransport
	categoryLast  = CategoryDelayReporting
)

// IsBasic сообщает, входит ли категория в базовый набор GET_CAPABILITIES.
func (c ServiceCategory) IsBasic() bool {
	return c >= CategoryMediaTransport && c <= CategoryMediaCodec
}

func (c ServiceCategory) valid() bool {
	return c >= categoryFirst && c <= categoryLast
}

func (c ServiceCategory) String() string {
	switch c {
	case CategoryMediaTransport:
		return "media_transport"
	case CategoryReporting:
		return "reporting"
	case CategoryRecovery:
		return "recovery"
	case CategoryContentProtection:
		return "content_protection"
	case CategoryHeaderCompression:
		return "header_compression"
	case CategoryMultiplexing:
		return "multiplexing"
	case CategoryMediaCodec:
		return "media_codec"
	case CategoryDelayReporting:
		return "delay_reporting"
	default:
		return fmt.Sprintf("category(0x%02x)", uint8(c))
	}
}

// MediaType тип медиа конечной точки.
type MediaType uint8

const (
	MediaAudio      MediaType = 0
	MediaVideo      MediaType = 1
	MediaMultimedia MediaType = 2
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaMultimedia:
		return "multimedia"
	default:
		return "unknown"
	}
}

// SepType роль конечной точки.
type SepType uint8

const (
	SepSource SepType = 0
	SepSink   SepType = 1
)

// Opposite возвращает противоположную роль.
func (s SepType) Opposite() SepType {
	if s == SepSource {
		return SepSink
	}
	return SepSource
}

func (s SepType) String() string {
	if s == SepSource {
		return "source"
	}
	return "sink"
}

// CodecType тип кодека в категории MEDIA_CODEC.
type CodecType uint8

const (
	CodecSBC       CodecType = 0x00
	CodecMPEG12    CodecType = 0x01
	CodecMPEG24AAC CodecType = 0x02
	CodecATRAC     CodecType = 0x04
	CodecNonA2DP   CodecType = 0xFF
)

func (c CodecType) String() string {
	switch c {
	case CodecSBC:
		return "SBC"
	case CodecMPEG12:
		return "MPEG-1,2"
	case CodecMPEG24AAC:
		return "MPEG-2,4 AAC"
	case CodecATRAC:
		return "ATRAC"
	case CodecNonA2DP:
		return "vendor"
	default:
		return fmt.Sprintf("codec(0x%02x)", uint8(c))
	}
}

const (
	// MinSEID и MaxSEID допустимый диапазон идентификаторов конечных точек.
	MinSEID uint8 = 0x01
	MaxSEID uint8 = 0x3E
)

// ValidSEID проверяет диапазон SEID.
func ValidSEID(seid uint8) bool {
	return seid >= MinSEID && seid <= MaxSEID
}

// EndpointInfo запись ответа DISCOVER.
type EndpointInfo struct {
	SEID      uint8
	InUse     bool
	MediaType MediaType
	SepType   SepType
}

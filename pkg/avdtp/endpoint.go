package avdtp

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Состояния конечной точки.
const (
	StateIdle                         = "idle"
	StateConfigurationSubstatemachine = "configuration_substatemachine"
	StateConfigured                   = "configured"
	StateW2RequestOpenStream          = "w2_request_open_stream"
	StateW4AcceptOpenStream           = "w4_accept_open_stream"
	StateW4L2capForMediaConnected     = "w4_l2cap_for_media_connected"
	StateOpened                       = "opened"
	StateStreaming                    = "streaming"
	StateClosing                      = "closing"
	StateAborting                     = "aborting"
	StateW4L2capForMediaDisconnected  = "w4_l2cap_for_media_disconnected"
)

// События автомата конечной точки.
const (
	eventBeginConfiguration = "begin_configuration"
	eventConfigure          = "configure"
	eventConfigFailed       = "config_failed"
	eventRequestOpen        = "request_open"
	eventOpenSent           = "open_sent"
	eventOpenAccepted       = "open_accepted"
	eventOpenRejected       = "open_rejected"
	eventMediaConnected     = "media_connected"
	eventStart              = "start"
	eventSuspend            = "suspend"
	eventClose              = "close"
	eventAbort              = "abort"
	eventMediaDisconnecting = "media_disconnecting"
	eventRelease            = "release"
)

// configurationState кто и на каком этапе конфигурирует конечную точку.
type configurationState uint8

const (
	configIdle configurationState = iota
	configLocalInitiated
	configRemoteInitiated
	configLocalConfigured
	configRemoteConfigured
)

func (c configurationState) String() string {
	switch c {
	case configLocalInitiated:
		return "local_initiated"
	case configRemoteInitiated:
		return "remote_initiated"
	case configLocalConfigured:
		return "local_configured"
	case configRemoteConfigured:
		return "remote_configured"
	default:
		return "idle"
	}
}

// endpointInitiatorState команда, ожидающая отправки от имени конечной точки.
type endpointInitiatorState uint8

const (
	epInitiatorIdle endpointInitiatorState = iota
	epInitiatorW2SetConfiguration
	epInitiatorW2Reconfigure
	epInitiatorW2OpenStream
	epInitiatorFragmentedCommand
	epInitiatorW4Answer
)

func (s endpointInitiatorState) String() string {
	switch s {
	case epInitiatorW2SetConfiguration:
		return "w2_set_configuration"
	case epInitiatorW2Reconfigure:
		return "w2_reconfigure"
	case epInitiatorW2OpenStream:
		return "w2_open_stream"
	case epInitiatorFragmentedCommand:
		return "fragmented_command"
	case epInitiatorW4Answer:
		return "w4_answer"
	default:
		return "idle"
	}
}

var errCapabilitiesLocked = errors.New("avdtp: возможности нельзя менять после публикации конечной точки")

// StreamEndpoint локальная конечная точка потока (SEP).
// Живет все время работы движка, соединения лишь временно владеют ею.
type StreamEndpoint struct {
	seid      uint8
	mediaType MediaType
	sepType   SepType
	codec     CodecType
	caps      Capabilities
	published bool

	fsm            *fsm.FSM
	configState    configurationState
	initiatorState endpointInitiatorState

	config     Capabilities
	remoteSEID uint8
	connID     uint16
	mediaCID   uint16

	preferredHz int

	sequence  uint16
	timestamp uint32
	ssrc      uint32

	log logrus.FieldLogger
}

func newStreamEndpoint(seid uint8, media MediaType, sep SepType, logger logrus.FieldLogger, onTransition func(dst string)) *StreamEndpoint {
	ep := &StreamEndpoint{
		seid:      seid,
		mediaType: media,
		sepType:   sep,
		caps:      Capabilities{},
		ssrc:      uint32(seid),
		log:       logger.WithField("seid", seid),
	}
	ep.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBeginConfiguration, Src: []string{StateIdle}, Dst: StateConfigurationSubstatemachine},
			{Name: eventConfigure, Src: []string{StateIdle, StateConfigurationSubstatemachine}, Dst: StateConfigured},
			{Name: eventConfigFailed, Src: []string{StateConfigurationSubstatemachine}, Dst: StateIdle},
			{Name: eventRequestOpen, Src: []string{StateConfigured}, Dst: StateW2RequestOpenStream},
			{Name: eventOpenSent, Src: []string{StateW2RequestOpenStream}, Dst: StateW4AcceptOpenStream},
			{Name: eventOpenAccepted, Src: []string{StateW4AcceptOpenStream, StateConfigured}, Dst: StateW4L2capForMediaConnected},
			{Name: eventOpenRejected, Src: []string{StateW2RequestOpenStream, StateW4AcceptOpenStream}, Dst: StateConfigured},
			{Name: eventMediaConnected, Src: []string{StateW4L2capForMediaConnected}, Dst: StateOpened},
			{Name: eventStart, Src: []string{StateOpened}, Dst: StateStreaming},
			{Name: eventSuspend, Src: []string{StateStreaming}, Dst: StateOpened},
			{Name: eventClose, Src: []string{StateOpened, StateStreaming}, Dst: StateClosing},
			{Name: eventAbort, Src: []string{
				StateConfigured, StateW2RequestOpenStream, StateW4AcceptOpenStream,
				StateW4L2capForMediaConnected, StateOpened, StateStreaming, StateClosing,
			}, Dst: StateAborting},
			{Name: eventMediaDisconnecting, Src: []string{StateClosing, StateAborting}, Dst: StateW4L2capForMediaDisconnected},
			{Name: eventRelease, Src: []string{
				StateConfigurationSubstatemachine, StateConfigured, StateW2RequestOpenStream,
				StateW4AcceptOpenStream, StateW4L2capForMediaConnected, StateOpened, StateStreaming,
				StateClosing, StateAborting, StateW4L2capForMediaDisconnected,
			}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ep.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst, "event": e.Event}).Debug("Переход состояния конечной точки")
				if onTransition != nil {
					onTransition(e.Dst)
				}
			},
		},
	)
	return ep
}

// SEID идентификатор конечной точки.
func (ep *StreamEndpoint) SEID() uint8 { return ep.seid }

// MediaType тип медиа.
func (ep *StreamEndpoint) MediaType() MediaType { return ep.mediaType }

// SepType роль конечной точки.
func (ep *StreamEndpoint) SepType() SepType { return ep.sepType }

// State текущее состояние автомата.
func (ep *StreamEndpoint) State() string { return ep.fsm.Current() }

// RemoteSEID SEID удаленной конечной точки, 0 если не сопоставлена.
func (ep *StreamEndpoint) RemoteSEID() uint8 { return ep.remoteSEID }

// ConnID соединение, владеющее конечной точкой, 0 если свободна.
func (ep *StreamEndpoint) ConnID() uint16 { return ep.connID }

// InUse сообщает, что конечная точка занята конфигурацией или потоком.
func (ep *StreamEndpoint) InUse() bool {
	return ep.State() != StateIdle
}

// Capabilities копия зарегистрированных возможностей.
func (ep *StreamEndpoint) Capabilities() Capabilities { return ep.caps.Clone() }

// Configuration копия текущей конфигурации.
func (ep *StreamEndpoint) Configuration() Capabilities { return ep.config.Clone() }

// CodecType тип кодека зарегистрированной категории MEDIA_CODEC.
func (ep *StreamEndpoint) CodecType() CodecType { return ep.codec }

// SetPreferredSamplingFrequency задает частоту, выбираемую при пересечении возможностей.
func (ep *StreamEndpoint) SetPreferredSamplingFrequency(hz int) { ep.preferredHz = hz }

// PreferredSamplingFrequency предпочитаемая частота, 0 если не задана.
func (ep *StreamEndpoint) PreferredSamplingFrequency() int { return ep.preferredHz }

// RegisterCapability добавляет категорию возможностей. Разрешено только до
// того, как конечная точка была показана удаленной стороне.
func (ep *StreamEndpoint) RegisterCapability(category ServiceCategory, payload []byte) error {
	if ep.published {
		return errCapabilitiesLocked
	}
	if code := validateCategory(category, payload); code != ErrorNone {
		return &CategoryError{Category: category, Code: code}
	}
	ep.caps.Set(category, payload)
	if category == CategoryMediaCodec {
		ep.codec = CodecType(payload[1])
	}
	return nil
}

// fire выполняет событие автомата. Отсутствие перехода (src == dst) не ошибка.
func (ep *StreamEndpoint) fire(event string) error {
	err := ep.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("конечная точка %d: %w", ep.seid, err)
}

// can сообщает, допустимо ли событие в текущем состоянии.
func (ep *StreamEndpoint) can(event string) bool {
	return ep.fsm.Can(event)
}

// reset возвращает конечную точку в исходное состояние после освобождения.
func (ep *StreamEndpoint) reset() {
	if ep.State() != StateIdle {
		if err := ep.fire(eventRelease); err != nil {
			ep.log.WithError(err).Warn("Не удалось освободить конечную точку")
		}
	}
	ep.configState = configIdle
	ep.initiatorState = epInitiatorIdle
	ep.config = nil
	ep.remoteSEID = 0
	ep.connID = 0
	ep.mediaCID = 0
}

// info запись для ответа DISCOVER.
func (ep *StreamEndpoint) info() EndpointInfo {
	return EndpointInfo{SEID: ep.seid, InUse: ep.InUse(), MediaType: ep.mediaType, SepType: ep.sepType}
}

// defaultSamplesPerFrame сэмплов в кадре SBC при 16 блоках и 8 подполосах.
const defaultSamplesPerFrame = 128

func (ep *StreamEndpoint) samplesPerFrame() int {
	if _, codec, info, ok := ep.config.MediaCodec(); ok && codec == CodecSBC {
		if sbc, err := ParseSBCInfo(info); err == nil {
			return sbc.SamplesPerFrame()
		}
	}
	return defaultSamplesPerFrame
}

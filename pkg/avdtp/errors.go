package avdtp

import (
	"errors"
	"fmt"
)

// ErrorCode код ошибки AVDTP, передаваемый в Reject ответах.
type ErrorCode uint8

const (
	ErrorNone                     ErrorCode = 0x00
	ErrorBadHeaderFormat          ErrorCode = 0x01
	ErrorBadLength                ErrorCode = 0x11
	ErrorBadAcpSEID               ErrorCode = 0x12
	ErrorSepInUse                 ErrorCode = 0x13
	ErrorSepNotInUse              ErrorCode = 0x14
	ErrorBadServCategory          ErrorCode = 0x17
	ErrorBadPayloadFormat         ErrorCode = 0x18
	ErrorNotSupportedCommand      ErrorCode = 0x19
	ErrorInvalidCapabilities      ErrorCode = 0x1A
	ErrorBadRecoveryType          ErrorCode = 0x22
	ErrorBadMediaTransportFormat  ErrorCode = 0x23
	ErrorBadRecoveryFormat        ErrorCode = 0x25
	ErrorBadRohcFormat            ErrorCode = 0x26
	ErrorBadCpFormat              ErrorCode = 0x27
	ErrorBadMultiplexingFormat    ErrorCode = 0x28
	ErrorUnsupportedConfiguration ErrorCode = 0x29
	ErrorBadState                 ErrorCode = 0x31
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorNone:
		return "None"
	case ErrorBadHeaderFormat:
		return "BadHeaderFormat"
	case ErrorBadLength:
		return "BadLength"
	case ErrorBadAcpSEID:
		return "BadAcpSEID"
	case ErrorSepInUse:
		return "SepInUse"
	case ErrorSepNotInUse:
		return "SepNotInUse"
	case ErrorBadServCategory:
		return "BadServCategory"
	case ErrorBadPayloadFormat:
		return "BadPayloadFormat"
	case ErrorNotSupportedCommand:
		return "NotSupportedCommand"
	case ErrorInvalidCapabilities:
		return "InvalidCapabilities"
	case ErrorBadRecoveryType:
		return "BadRecoveryType"
	case ErrorBadMediaTransportFormat:
		return "BadMediaTransportFormat"
	case ErrorBadRecoveryFormat:
		return "BadRecoveryFormat"
	case ErrorBadRohcFormat:
		return "BadRohcFormat"
	case ErrorBadCpFormat:
		return "BadCpFormat"
	case ErrorBadMultiplexingFormat:
		return "BadMultiplexingFormat"
	case ErrorUnsupportedConfiguration:
		return "UnsupportedConfiguration"
	case ErrorBadState:
		return "BadState"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(code))
	}
}

// Status итог операции в событиях.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusConnectionFailed
	StatusCommandDisallowed
	StatusUnknownConnection
	StatusNoSuitableEndpoint
	StatusRejected
	StatusMediaChannelFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionFailed:
		return "connection_failed"
	case StatusCommandDisallowed:
		return "command_disallowed"
	case StatusUnknownConnection:
		return "unknown_connection"
	case StatusNoSuitableEndpoint:
		return "no_suitable_endpoint"
	case StatusRejected:
		return "rejected"
	case StatusMediaChannelFailed:
		return "media_channel_failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ошибки локальных предусловий командного API.
var (
	ErrCommandDisallowed = errors.New("avdtp: команда недопустима в текущем состоянии")
	ErrUnknownConnection = errors.New("avdtp: неизвестный идентификатор соединения")
	ErrUnknownEndpoint   = errors.New("avdtp: неизвестная конечная точка")
	ErrInvalidSEID       = errors.New("avdtp: недопустимый SEID")
	ErrTooManyEndpoints  = errors.New("avdtp: исчерпан диапазон SEID")
	ErrMalformedPDU      = errors.New("avdtp: некорректный PDU")
	ErrMTUTooSmall       = errors.New("avdtp: MTU слишком мал для фрагментации")
	ErrNoMediaChannel    = errors.New("avdtp: медиа канал не открыт")

	ErrInvalidConfiguration = errors.New("avdtp: некорректная конфигурация")
)

// Error ошибка операции AVDTP с контекстом соединения и конечной точки.
// Поддерживает errors.Is как по коду, так и по обернутой ошибке.
type Error struct {
	Op      string
	ConnID  uint16
	SEID    uint8
	Code    ErrorCode
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ConnID != 0 {
		msg += fmt.Sprintf(" cid=0x%04x", e.ConnID)
	}
	if e.SEID != 0 {
		msg += fmt.Sprintf(" seid=%d", e.SEID)
	}
	if e.Code != ErrorNone {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return "[avdtp] " + msg
}

// Unwrap возвращает обернутую ошибку.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Code != ErrorNone && e.Code == t.Code
	}
	return false
}

func opError(op string, connID uint16, seid uint8, err error) error {
	return &Error{Op: op, ConnID: connID, SEID: seid, Wrapped: err}
}

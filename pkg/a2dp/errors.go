package a2dp

import (
	"errors"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
)

var (
	// ErrDisallowed операция недопустима в текущей фазе.
	// Совпадает с avdtp.ErrCommandDisallowed для errors.Is.
	ErrDisallowed = avdtp.ErrCommandDisallowed
	// ErrUnknownConnection нет сессии с таким идентификатором.
	ErrUnknownConnection = avdtp.ErrUnknownConnection
	// ErrNoSuitableEndpoint нет подходящей локальной или удаленной конечной точки.
	ErrNoSuitableEndpoint = errors.New("a2dp: нет подходящей конечной точки")
)

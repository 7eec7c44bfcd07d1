//go:build !linux

package l2cap

import (
	"errors"

	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// SocketConfig параметры транспорта. На этой платформе не используются.
type SocketConfig struct {
	Adapter       Addr
	ReceiveBuffer int
	Logger        logrus.FieldLogger
}

// DefaultSocketConfig возвращает конфигурацию по умолчанию.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{ReceiveBuffer: 4096}
}

// SocketTransport недоступен вне Linux.
type SocketTransport struct{}

// NewSocketTransport всегда возвращает ошибку: сокеты L2CAP есть только в BlueZ.
func NewSocketTransport(cfg SocketConfig, sched runloop.Scheduler) (*SocketTransport, error) {
	return nil, errors.New("l2cap: сокеты L2CAP поддерживаются только на Linux")
}

func (t *SocketTransport) SetHandler(h Handler)                            {}
func (t *SocketTransport) Listen(psm uint16) error                         { return ErrClosed }
func (t *SocketTransport) Connect(remote Addr, psm uint16) (uint16, error) { return 0, ErrClosed }
func (t *SocketTransport) Disconnect(cid uint16) error                     { return ErrClosed }
func (t *SocketTransport) Send(cid uint16, data []byte) error              { return ErrClosed }
func (t *SocketTransport) RequestCanSendNow(cid uint16)                    {}
func (t *SocketTransport) MTU(cid uint16) int                              { return 0 }
func (t *SocketTransport) Close() error                                    { return nil }

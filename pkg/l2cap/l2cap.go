// Package l2cap описывает транспорт каналов L2CAP, поверх которого работает AVDTP.
//
// Пакет содержит две реализации: MemoryHub соединяет устройства в памяти
// процесса для тестов и симуляций, SocketTransport (только Linux) открывает
// настоящие сокеты BTPROTO_L2CAP. Обе доставляют события через
// runloop.Scheduler, поэтому обработчик всегда вызывается из цикла событий.
package l2cap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PSMAVDTP PSM, на котором работают сигнальный и медиа каналы AVDTP.
	PSMAVDTP uint16 = 0x19

	// DefaultMTU MTU L2CAP по умолчанию для классического Bluetooth.
	DefaultMTU = 672
)

var (
	// ErrUnknownChannel канал с указанным идентификатором не найден.
	ErrUnknownChannel = errors.New("l2cap: неизвестный канал")
	// ErrPacketTooLarge пакет превышает MTU канала.
	ErrPacketTooLarge = errors.New("l2cap: пакет больше MTU")
	// ErrHostUnreachable удаленное устройство недоступно.
	ErrHostUnreachable = errors.New("l2cap: устройство недоступно")
	// ErrClosed транспорт закрыт.
	ErrClosed = errors.New("l2cap: транспорт закрыт")
)

// Addr адрес Bluetooth устройства в порядке отображения (старший байт первым).
type Addr [6]byte

// ParseAddr разбирает адрес вида "00:1A:7D:DA:71:13".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("некорректный адрес Bluetooth %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return a, fmt.Errorf("некорректный октет %q в адресе %q", p, s)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// MustParseAddr как ParseAddr, но паникует при ошибке. Для констант и тестов.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero сообщает, что адрес не задан.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// ChannelOpened результат открытия канала (исходящего или входящего).
type ChannelOpened struct {
	CID      uint16
	Addr     Addr
	PSM      uint16
	MTU      int
	Incoming bool
	Err      error
}

// Handler получает события каналов. Все методы вызываются из цикла событий.
type Handler interface {
	ChannelOpened(ev ChannelOpened)
	ChannelClosed(cid uint16)
	DataReceived(cid uint16, data []byte)
	CanSendNow(cid uint16)
}

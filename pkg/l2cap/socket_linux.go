//go:build linux

package l2cap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Опции сокетов BlueZ, отсутствующие в x/sys/unix.
const (
	solBluetooth = 274
	btSndMTU     = 12
	solL2CAP     = 6
	l2capOptions = 0x01
)

// SocketConfig параметры Linux транспорта.
type SocketConfig struct {
	// Adapter локальный адрес адаптера. Нулевой адрес означает любой адаптер.
	Adapter Addr
	// ReceiveBuffer размер буфера чтения одного пакета.
	ReceiveBuffer int
	Logger        logrus.FieldLogger
}

// DefaultSocketConfig возвращает конфигурацию по умолчанию.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{ReceiveBuffer: 4096}
}

type socketChannel struct {
	fd   int
	addr Addr
	psm  uint16
	mtu  int
}

// SocketTransport каналы L2CAP поверх сокетов SOCK_SEQPACKET ядра Linux.
// Идентификаторы каналов локальные и не совпадают с CID на эфире.
type SocketTransport struct {
	cfg      SocketConfig
	sched    runloop.Scheduler
	log      logrus.FieldLogger
	mu       sync.Mutex
	handler  Handler
	channels map[uint16]*socketChannel
	nextCID  uint16
	listenFD int
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

// NewSocketTransport создает транспорт. Listen и Connect можно вызывать сразу.
func NewSocketTransport(cfg SocketConfig, sched runloop.Scheduler) (*SocketTransport, error) {
	if sched == nil {
		return nil, errors.New("l2cap: scheduler обязателен")
	}
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = DefaultSocketConfig().ReceiveBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &SocketTransport{
		cfg:      cfg,
		sched:    sched,
		log:      cfg.Logger.WithField("component", "l2cap-socket"),
		channels: make(map[uint16]*socketChannel),
		nextCID:  0x40,
		listenFD: -1,
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetHandler устанавливает получателя событий каналов.
func (t *SocketTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Listen начинает принимать входящие каналы на psm.
func (t *SocketTransport) Listen(psm uint16) error {
	fd, err := t.newSocket()
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{PSM: psm, Addr: t.cfg.Adapter}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind PSM 0x%04x: %w", psm, err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen PSM 0x%04x: %w", psm, err)
	}

	t.mu.Lock()
	t.listenFD = fd
	t.mu.Unlock()

	t.log.WithField("psm", psm).Info("Ожидание входящих каналов L2CAP")
	t.group.Go(func() error { return t.acceptLoop(fd, psm) })
	return nil
}

func (t *SocketTransport) acceptLoop(fd int, psm uint16) error {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		var remote Addr
		if l2, ok := sa.(*unix.SockaddrL2); ok {
			// accept возвращает bdaddr в порядке ядра (младший байт первым)
			remote = reverseAddr(l2.Addr)
		}
		cid := t.register(nfd, remote, psm)
		mtu := t.channelMTU(nfd)
		t.setMTU(cid, mtu)

		t.log.WithFields(logrus.Fields{"cid": cid, "remote": remote.String(), "mtu": mtu}).Info("Входящий канал L2CAP")
		t.post(func(h Handler) {
			h.ChannelOpened(ChannelOpened{CID: cid, Addr: remote, PSM: psm, MTU: mtu, Incoming: true})
		})
		t.startReader(cid, nfd)
	}
}

// Connect открывает исходящий канал. Подключение выполняется в фоне,
// результат приходит событием ChannelOpened.
func (t *SocketTransport) Connect(remote Addr, psm uint16) (uint16, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	t.mu.Unlock()

	fd, err := t.newSocket()
	if err != nil {
		return 0, err
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{Addr: t.cfg.Adapter}); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind: %w", err)
	}
	cid := t.register(fd, remote, psm)

	t.group.Go(func() error {
		err := unix.Connect(fd, &unix.SockaddrL2{PSM: psm, Addr: remote})
		if err != nil {
			t.unregister(cid)
			unix.Close(fd)
			t.log.WithError(err).WithField("remote", remote.String()).Warn("Не удалось открыть канал L2CAP")
			t.post(func(h Handler) {
				h.ChannelOpened(ChannelOpened{CID: cid, Addr: remote, PSM: psm, Err: err})
			})
			return nil
		}
		mtu := t.channelMTU(fd)
		t.setMTU(cid, mtu)
		t.post(func(h Handler) {
			h.ChannelOpened(ChannelOpened{CID: cid, Addr: remote, PSM: psm, MTU: mtu})
		})
		t.startReader(cid, fd)
		return nil
	})
	return cid, nil
}

func (t *SocketTransport) startReader(cid uint16, fd int) {
	t.group.Go(func() error {
		buf := make([]byte, t.cfg.ReceiveBuffer)
		for {
			n, err := unix.Read(fd, buf)
			if err != nil && errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil || n == 0 {
				if _, ok := t.unregister(cid); ok {
					unix.Close(fd)
					t.post(func(h Handler) { h.ChannelClosed(cid) })
				}
				return nil
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			t.post(func(h Handler) { h.DataReceived(cid, data) })
		}
	})
}

// Disconnect закрывает канал. Событие ChannelClosed приходит от читателя.
func (t *SocketTransport) Disconnect(cid uint16) error {
	t.mu.Lock()
	ch, ok := t.channels[cid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownChannel, cid)
	}
	return unix.Shutdown(ch.fd, unix.SHUT_RDWR)
}

// Send записывает один пакет SEQPACKET.
func (t *SocketTransport) Send(cid uint16, data []byte) error {
	t.mu.Lock()
	ch, ok := t.channels[cid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownChannel, cid)
	}
	if ch.mtu > 0 && len(data) > ch.mtu {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), ch.mtu)
	}
	_, err := unix.Write(ch.fd, data)
	return err
}

// RequestCanSendNow ставит событие CanSendNow в очередь цикла.
// Запись в SEQPACKET сокет блокируется ядром при переполнении, отдельного
// ожидания готовности не требуется.
func (t *SocketTransport) RequestCanSendNow(cid uint16) {
	t.post(func(h Handler) { h.CanSendNow(cid) })
}

// MTU возвращает исходящий MTU канала.
func (t *SocketTransport) MTU(cid uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[cid]; ok {
		return ch.mtu
	}
	return 0
}

// Close закрывает все сокеты и дожидается завершения горутин.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listenFD := t.listenFD
	fds := make([]int, 0, len(t.channels))
	for _, ch := range t.channels {
		fds = append(fds, ch.fd)
	}
	t.mu.Unlock()

	t.cancel()
	if listenFD >= 0 {
		unix.Shutdown(listenFD, unix.SHUT_RDWR)
		unix.Close(listenFD)
	}
	for _, fd := range fds {
		unix.Shutdown(fd, unix.SHUT_RDWR)
	}
	return t.group.Wait()
}

func (t *SocketTransport) newSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, fmt.Errorf("socket BTPROTO_L2CAP: %w", err)
	}
	return fd, nil
}

// channelMTU читает исходящий MTU: сначала BT_SNDMTU, затем L2CAP_OPTIONS.
func (t *SocketTransport) channelMTU(fd int) int {
	if mtu, err := unix.GetsockoptInt(fd, solBluetooth, btSndMTU); err == nil && mtu > 0 {
		return mtu
	}
	// struct l2cap_options { u16 omtu; u16 imtu; ... }
	if raw, err := unix.GetsockoptString(fd, solL2CAP, l2capOptions); err == nil && len(raw) >= 2 {
		if omtu := int(binary.LittleEndian.Uint16([]byte(raw[:2]))); omtu > 0 {
			return omtu
		}
	}
	return DefaultMTU
}

func (t *SocketTransport) register(fd int, remote Addr, psm uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cid := t.nextCID
	t.nextCID++
	t.channels[cid] = &socketChannel{fd: fd, addr: remote, psm: psm}
	return cid
}

func (t *SocketTransport) setMTU(cid uint16, mtu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[cid]; ok {
		ch.mtu = mtu
	}
}

func (t *SocketTransport) unregister(cid uint16) (*socketChannel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[cid]
	delete(t.channels, cid)
	return ch, ok
}

func (t *SocketTransport) post(fn func(h Handler)) {
	t.sched.Post(func() {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

func reverseAddr(raw [6]uint8) Addr {
	var a Addr
	for i := range raw {
		a[i] = raw[len(raw)-1-i]
	}
	return a
}

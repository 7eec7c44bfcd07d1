package l2cap

import (
	"fmt"
	"sync"

	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/sirupsen/logrus"
)

// Frame пакет, прошедший через MemoryHub. Используется трассировкой.
type Frame struct {
	From Addr
	To   Addr
	PSM  uint16
	Data []byte
}

// MemoryHub соединяет MemoryTransport устройства в памяти процесса.
type MemoryHub struct {
	mu      sync.RWMutex
	devices map[Addr]*MemoryTransport
	mtu     int
	nextCID uint16
	trace   func(Frame)
	log     logrus.FieldLogger
}

// NewMemoryHub создает хаб с MTU по умолчанию.
func NewMemoryHub(logger logrus.FieldLogger) *MemoryHub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MemoryHub{
		devices: make(map[Addr]*MemoryTransport),
		mtu:     DefaultMTU,
		nextCID: 0x40,
		log:     logger.WithField("component", "l2cap-memory"),
	}
}

// SetMTU задает MTU для каналов, открытых после вызова.
func (h *MemoryHub) SetMTU(mtu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mtu = mtu
}

// SetTrace устанавливает функцию, получающую копию каждого пакета.
func (h *MemoryHub) SetTrace(fn func(Frame)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = fn
}

// NewDevice регистрирует устройство с адресом addr.
// События устройства доставляются через sched.
func (h *MemoryHub) NewDevice(addr Addr, sched runloop.Scheduler) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	dev := &MemoryTransport{
		hub:      h,
		addr:     addr,
		sched:    sched,
		channels: make(map[uint16]*memoryChannel),
		log:      h.log.WithField("addr", addr.String()),
	}
	h.devices[addr] = dev
	return dev
}

// Devices возвращает адреса зарегистрированных устройств.
func (h *MemoryHub) Devices() []Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()

	addrs := make([]Addr, 0, len(h.devices))
	for addr := range h.devices {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (h *MemoryHub) device(addr Addr) (*MemoryTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dev, ok := h.devices[addr]
	return dev, ok
}

func (h *MemoryHub) allocateCID() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cid := h.nextCID
	h.nextCID++
	if h.nextCID == 0 {
		h.nextCID = 0x40
	}
	return cid
}

func (h *MemoryHub) currentMTU() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mtu
}

func (h *MemoryHub) traceFrame(f Frame) {
	h.mu.RLock()
	fn := h.trace
	h.mu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

type memoryChannel struct {
	cid      uint16
	psm      uint16
	mtu      int
	peer     *MemoryTransport
	peerCID  uint16
	incoming bool
}

// MemoryTransport устройство, подключенное к MemoryHub.
type MemoryTransport struct {
	hub      *MemoryHub
	addr     Addr
	sched    runloop.Scheduler
	handler  Handler
	mu       sync.Mutex
	channels map[uint16]*memoryChannel
	refuse   bool
	log      logrus.FieldLogger
}

// Addr возвращает адрес устройства.
func (t *MemoryTransport) Addr() Addr {
	return t.addr
}

// SetHandler устанавливает получателя событий каналов.
func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// SetRefuseIncoming заставляет устройство отклонять входящие каналы.
func (t *MemoryTransport) SetRefuseIncoming(refuse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refuse = refuse
}

// Connect открывает канал к remote. Результат приходит событием ChannelOpened.
func (t *MemoryTransport) Connect(remote Addr, psm uint16) (uint16, error) {
	localCID := t.hub.allocateCID()
	peer, ok := t.hub.device(remote)

	if !ok || peer.refusing() {
		t.log.WithFields(logrus.Fields{"remote": remote.String(), "psm": psm}).Debug("Устройство недоступно")
		t.post(func(h Handler) {
			h.ChannelOpened(ChannelOpened{CID: localCID, Addr: remote, PSM: psm, Err: ErrHostUnreachable})
		})
		return localCID, nil
	}

	peerCID := t.hub.allocateCID()
	mtu := t.hub.currentMTU()

	t.mu.Lock()
	t.channels[localCID] = &memoryChannel{cid: localCID, psm: psm, mtu: mtu, peer: peer, peerCID: peerCID}
	t.mu.Unlock()

	peer.mu.Lock()
	peer.channels[peerCID] = &memoryChannel{cid: peerCID, psm: psm, mtu: mtu, peer: t, peerCID: localCID, incoming: true}
	peer.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"remote": remote.String(),
		"cid":    localCID,
		"psm":    psm,
		"mtu":    mtu,
	}).Debug("Канал открыт")

	// Сначала событие у принимающей стороны, как при реальном подключении
	peer.post(func(h Handler) {
		h.ChannelOpened(ChannelOpened{CID: peerCID, Addr: t.addr, PSM: psm, MTU: mtu, Incoming: true})
	})
	t.post(func(h Handler) {
		h.ChannelOpened(ChannelOpened{CID: localCID, Addr: remote, PSM: psm, MTU: mtu})
	})
	return localCID, nil
}

// Disconnect закрывает канал на обеих сторонах.
func (t *MemoryTransport) Disconnect(cid uint16) error {
	t.mu.Lock()
	ch, ok := t.channels[cid]
	if ok {
		delete(t.channels, cid)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownChannel, cid)
	}

	ch.peer.mu.Lock()
	_, peerOpen := ch.peer.channels[ch.peerCID]
	delete(ch.peer.channels, ch.peerCID)
	ch.peer.mu.Unlock()

	t.post(func(h Handler) { h.ChannelClosed(cid) })
	if peerOpen {
		peer, peerCID := ch.peer, ch.peerCID
		peer.post(func(h Handler) { h.ChannelClosed(peerCID) })
	}
	return nil
}

// Send копирует data и доставляет его удаленной стороне.
func (t *MemoryTransport) Send(cid uint16, data []byte) error {
	t.mu.Lock()
	ch, ok := t.channels[cid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownChannel, cid)
	}
	if len(data) > ch.mtu {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), ch.mtu)
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	t.hub.traceFrame(Frame{From: t.addr, To: ch.peer.addr, PSM: ch.psm, Data: dataCopy})

	peerCID := ch.peerCID
	ch.peer.post(func(h Handler) { h.DataReceived(peerCID, dataCopy) })
	return nil
}

// RequestCanSendNow запрашивает событие CanSendNow. В памяти отправка
// возможна всегда, поэтому событие ставится в очередь сразу.
func (t *MemoryTransport) RequestCanSendNow(cid uint16) {
	t.post(func(h Handler) { h.CanSendNow(cid) })
}

// MTU возвращает MTU канала или 0 для неизвестного канала.
func (t *MemoryTransport) MTU(cid uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[cid]; ok {
		return ch.mtu
	}
	return 0
}

// OpenChannels возвращает количество открытых каналов устройства.
func (t *MemoryTransport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *MemoryTransport) refusing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refuse
}

func (t *MemoryTransport) post(fn func(h Handler)) {
	t.sched.Post(func() {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

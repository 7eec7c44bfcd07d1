package l2cap_test

import (
	"testing"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	opened  []l2cap.ChannelOpened
	closed  []uint16
	data    map[uint16][][]byte
	canSend []uint16
}

func newRecorder() *recorder {
	return &recorder{data: make(map[uint16][][]byte)}
}

func (r *recorder) ChannelOpened(ev l2cap.ChannelOpened) { r.opened = append(r.opened, ev) }
func (r *recorder) ChannelClosed(cid uint16)             { r.closed = append(r.closed, cid) }
func (r *recorder) DataReceived(cid uint16, data []byte) { r.data[cid] = append(r.data[cid], data) }
func (r *recorder) CanSendNow(cid uint16)                { r.canSend = append(r.canSend, cid) }

var (
	addrA = l2cap.MustParseAddr("00:1B:DC:00:00:01")
	addrB = l2cap.MustParseAddr("00:1B:DC:00:00:02")
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "00:1A:7D:DA:71:13", false},
		{"lowercase", "aa:bb:cc:dd:ee:ff", false},
		{"short", "00:1A:7D", true},
		{"bad octet", "00:1A:7D:DA:71:XZ", true},
		{"long octet", "000:1A:7D:DA:71:13", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := l2cap.ParseAddr(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.in), len(addr.String()))
		})
	}
	assert.Equal(t, "00:1B:DC:00:00:01", addrA.String())
	assert.True(t, l2cap.Addr{}.IsZero())
}

func TestMemoryConnectSendDisconnect(t *testing.T) {
	loop := runloop.NewManual(time.Unix(0, 0))
	hub := l2cap.NewMemoryHub(nil)
	hub.SetMTU(100)

	devA := hub.NewDevice(addrA, loop)
	devB := hub.NewDevice(addrB, loop)
	recA, recB := newRecorder(), newRecorder()
	devA.SetHandler(recA)
	devB.SetHandler(recB)

	var traced []l2cap.Frame
	hub.SetTrace(func(f l2cap.Frame) { traced = append(traced, f) })

	cid, err := devA.Connect(addrB, l2cap.PSMAVDTP)
	require.NoError(t, err)
	loop.RunPending()

	require.Len(t, recA.opened, 1)
	require.Len(t, recB.opened, 1)
	assert.False(t, recA.opened[0].Incoming)
	assert.True(t, recB.opened[0].Incoming)
	assert.Equal(t, addrA, recB.opened[0].Addr)
	assert.Equal(t, 100, devA.MTU(cid))
	peerCID := recB.opened[0].CID

	require.NoError(t, devA.Send(cid, []byte{1, 2, 3}))
	require.ErrorIs(t, devA.Send(cid, make([]byte, 101)), l2cap.ErrPacketTooLarge)
	loop.RunPending()
	assert.Equal(t, [][]byte{{1, 2, 3}}, recB.data[peerCID])
	require.Len(t, traced, 1)
	assert.Equal(t, addrB, traced[0].To)

	devB.RequestCanSendNow(peerCID)
	loop.RunPending()
	assert.Equal(t, []uint16{peerCID}, recB.canSend)

	require.NoError(t, devB.Disconnect(peerCID))
	loop.RunPending()
	assert.Equal(t, []uint16{cid}, recA.closed)
	assert.Equal(t, []uint16{peerCID}, recB.closed)
	assert.Equal(t, 0, devA.OpenChannels())
	require.ErrorIs(t, devA.Send(cid, []byte{1}), l2cap.ErrUnknownChannel)
}

func TestMemoryConnectUnreachable(t *testing.T) {
	loop := runloop.NewManual(time.Unix(0, 0))
	hub := l2cap.NewMemoryHub(nil)
	devA := hub.NewDevice(addrA, loop)
	recA := newRecorder()
	devA.SetHandler(recA)

	_, err := devA.Connect(addrB, l2cap.PSMAVDTP)
	require.NoError(t, err)
	loop.RunPending()

	require.Len(t, recA.opened, 1)
	assert.ErrorIs(t, recA.opened[0].Err, l2cap.ErrHostUnreachable)

	devB := hub.NewDevice(addrB, loop)
	devB.SetRefuseIncoming(true)
	_, err = devA.Connect(addrB, l2cap.PSMAVDTP)
	require.NoError(t, err)
	loop.RunPending()
	require.Len(t, recA.opened, 2)
	assert.ErrorIs(t, recA.opened[1].Err, l2cap.ErrHostUnreachable)
	assert.Len(t, hub.Devices(), 2)
}

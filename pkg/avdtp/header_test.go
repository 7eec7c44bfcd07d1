package avdtp_test

import (
	"testing"

	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderByte(t *testing.T) {
	h := avdtp.Header{Label: 0x0A, PacketType: avdtp.PacketStart, MessageType: avdtp.MessageReject}
	assert.Equal(t, byte(0xA7), h.Byte())
	assert.Equal(t, h, avdtp.ParseHeader(0xA7))
}

func TestFragmentSingle(t *testing.T) {
	msg := avdtp.Message{Label: 3, MessageType: avdtp.MessageCommand, Signal: avdtp.SignalOpen, Payload: []byte{0x04}}

	packets, err := avdtp.Fragment(msg, 48)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, []byte{0x30, 0x06, 0x04}, packets[0])
}

func TestFragmentLayout(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	msg := avdtp.Message{Label: 1, MessageType: avdtp.MessageCommand, Signal: avdtp.SignalSetConfiguration, Payload: payload}

	packets, err := avdtp.Fragment(msg, 6)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	// Start: заголовок, NOSP, сигнал и mtu-3 байта
	assert.Equal(t, []byte{0x14, 0x03, 0x03, 1, 2, 3}, packets[0])
	// Continue: заголовок и mtu-1 байт
	assert.Equal(t, []byte{0x18, 4, 5, 6, 7, 8}, packets[1])
	// End: заголовок и остаток
	assert.Equal(t, []byte{0x1C, 9, 10}, packets[2])
}

func TestFragmentMTUTooSmall(t *testing.T) {
	msg := avdtp.Message{Signal: avdtp.SignalSetConfiguration, Payload: make([]byte, 10)}
	_, err := avdtp.Fragment(msg, 3)
	require.ErrorIs(t, err, avdtp.ErrMTUTooSmall)
}

// TestFragmentationRoundTrip фрагментированное сообщение собирается в исходное
// при любом MTU
func TestFragmentationRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	msg := avdtp.Message{Label: 9, MessageType: avdtp.MessageAccept, Signal: avdtp.SignalGetAllCapabilities, Payload: payload}

	for mtu := avdtp.MinSignalingMTU; mtu <= len(payload)+3; mtu++ {
		packets, err := avdtp.Fragment(msg, mtu)
		require.NoError(t, err, "mtu %d", mtu)

		var r avdtp.Reassembler
		var got avdtp.Message
		completed := 0
		for i, pkt := range packets {
			require.LessOrEqual(t, len(pkt), mtu, "mtu %d пакет %d", mtu, i)
			m, done, err := r.Push(pkt)
			require.NoError(t, err)
			if done {
				completed++
				got = m
			}
		}

		require.Equal(t, 1, completed, "mtu %d", mtu)
		assert.Equal(t, msg, got, "mtu %d", mtu)
		if len(packets) > 1 {
			assert.Equal(t, byte(len(packets)), packets[0][1], "NOSP при mtu %d", mtu)
		}
		assert.False(t, r.InProgress())
	}
}

func TestReassemblerRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		packets [][]byte
	}{
		{"empty", [][]byte{{}}},
		{"single without signal", [][]byte{{0x00}}},
		{"short start", [][]byte{{0x04, 0x02}}},
		{"continue without start", [][]byte{{0x08, 1, 2}}},
		{"end with other label", [][]byte{{0x14, 0x02, 0x03, 1}, {0x2C, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r avdtp.Reassembler
			var lastErr error
			for _, pkt := range tt.packets {
				_, done, err := r.Push(pkt)
				assert.False(t, done)
				lastErr = err
			}
			require.ErrorIs(t, lastErr, avdtp.ErrMalformedPDU)
		})
	}
}

func TestReassemblerSingleInterruptsFragment(t *testing.T) {
	var r avdtp.Reassembler
	_, done, err := r.Push([]byte{0x14, 0x03, 0x03, 1, 2, 3})
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, r.InProgress())

	msg, done, err := r.Push([]byte{0x20, 0x01})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, avdtp.SignalDiscover, msg.Signal)
	assert.Empty(t, msg.Payload)
	assert.False(t, r.InProgress())
}

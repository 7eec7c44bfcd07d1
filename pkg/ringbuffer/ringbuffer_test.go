package ringbuffer_test

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/arzzra/soft_a2dp/pkg/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip проверяет, что прочитанные байты совпадают с записанными
func TestRoundTrip(t *testing.T) {
	rb := ringbuffer.New(10)

	require.NoError(t, rb.Write([]byte{1, 2, 3, 4}))
	assert.Equal(t, 4, rb.BytesAvailable())
	assert.Equal(t, 6, rb.BytesFree())

	out := make([]byte, 4)
	n := rb.Read(out)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.True(t, rb.IsEmpty())
}

func TestRoundTripSequences(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		writes   [][]byte
	}{
		{"single byte", 1, [][]byte{{7}}},
		{"several writes", 16, [][]byte{{1, 2}, {3}, {4, 5, 6, 7}}},
		{"exact fill", 5, [][]byte{{1, 2, 3}, {4, 5}}},
		{"empty write", 4, [][]byte{{}, {9}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := ringbuffer.New(tt.capacity)
			var expected []byte
			for _, w := range tt.writes {
				require.NoError(t, rb.Write(w))
				expected = append(expected, w...)
			}
			assert.Equal(t, expected, rb.ReadN(len(expected)+3))
			assert.Equal(t, tt.capacity, rb.BytesFree())
		})
	}
}

// TestOverflowLeavesBufferUnchanged проверяет атомарность отказа записи
func TestOverflowLeavesBufferUnchanged(t *testing.T) {
	rb := ringbuffer.New(10)
	require.NoError(t, rb.Write([]byte{1, 2, 3}))

	err := rb.Write(make([]byte, rb.BytesFree()+1))
	require.ErrorIs(t, err, ringbuffer.ErrCapacityExceeded)
	assert.Equal(t, 3, rb.BytesAvailable())
	assert.Equal(t, 7, rb.BytesFree())

	require.NoError(t, rb.Write(make([]byte, rb.BytesFree())))
	assert.False(t, rb.IsEmpty())
	assert.True(t, rb.IsFull())
	assert.Equal(t, 0, rb.BytesFree())
	assert.Equal(t, 10, rb.BytesAvailable())

	assert.Equal(t, []byte{1, 2, 3}, rb.ReadN(3))
	assert.False(t, rb.IsFull())
}

// TestWraparound повторяет запись и чтение 4 байт поверх границы хранилища
func TestWraparound(t *testing.T) {
	rb := ringbuffer.New(10)
	data := []byte{0xA, 0xB, 0xC, 0xD}

	for i := 0; i < 30; i++ {
		require.NoError(t, rb.Write(data), "итерация %d", i)
		require.Equal(t, 4, rb.BytesAvailable(), "итерация %d", i)

		out := make([]byte, 4)
		require.Equal(t, 4, rb.Read(out), "итерация %d", i)
		require.Equal(t, data, out, "итерация %d", i)
		require.Equal(t, 0, rb.BytesAvailable(), "итерация %d", i)
		require.Equal(t, 10, rb.BytesFree(), "итерация %d", i)
	}
}

func TestShortRead(t *testing.T) {
	rb := ringbuffer.New(8)
	require.NoError(t, rb.Write([]byte{1, 2}))

	out := make([]byte, 5)
	n := rb.Read(out)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, out[:n])
	assert.Nil(t, rb.ReadN(4))
}

func TestPeekAndReset(t *testing.T) {
	rb := ringbuffer.New(4)
	require.NoError(t, rb.Write([]byte{5, 6, 7, 8}))

	peek := make([]byte, 2)
	assert.Equal(t, 2, rb.Peek(peek))
	assert.Equal(t, []byte{5, 6}, peek)
	assert.True(t, rb.IsFull())
	assert.Equal(t, 4, rb.BytesAvailable())

	rb.Reset()
	assert.True(t, rb.IsEmpty())
	assert.Equal(t, 4, rb.BytesFree())
}

func TestInvariantAvailablePlusFree(t *testing.T) {
	rb := ringbuffer.New(7)
	ops := []struct {
		write int
		read  int
	}{{3, 1}, {5, 2}, {2, 7}, {7, 3}, {0, 4}, {6, 6}}

	for i, op := range ops {
		_ = rb.Write(make([]byte, op.write))
		rb.ReadN(op.read)
		require.Equal(t, 7, rb.BytesAvailable()+rb.BytesFree(), "шаг %d", i)
		require.Equal(t, rb.BytesAvailable() == 7, rb.IsFull(), "шаг %d", i)
	}
}

// TestConcurrentProducerConsumer пишет и читает на разных горутинах;
// запускать с -race
func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 200000
	rb := ringbuffer.New(61)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		next := 0
		chunk := make([]byte, 0, 9)
		for next < total {
			size := 1 + next%9
			if next+size > total {
				size = total - next
			}
			chunk = chunk[:size]
			for i := range chunk {
				chunk[i] = byte(next + i)
			}
			if err := rb.Write(chunk); err != nil {
				if !errors.Is(err, ringbuffer.ErrCapacityExceeded) {
					t.Errorf("запись: %v", err)
					return
				}
				runtime.Gosched()
				continue
			}
			next += size
		}
	}()

	var received, mismatches int
	go func() {
		defer wg.Done()
		out := make([]byte, 13)
		for received < total {
			n := rb.Read(out)
			if n == 0 {
				runtime.Gosched()
				continue
			}
			for i := 0; i < n; i++ {
				if out[i] != byte(received+i) {
					mismatches++
				}
			}
			received += n
		}
	}()

	wg.Wait()
	assert.Equal(t, total, received)
	assert.Zero(t, mismatches)
	assert.True(t, rb.IsEmpty())
}

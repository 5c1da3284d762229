package buffer

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads from offset until err, returning everything read in order.
func drain(t *testing.T, rb *RingBuffer, offset int64) ([]byte, int64) {
	t.Helper()
	var out []byte
	p := make([]byte, 7) // odd size to exercise wrap boundaries
	for {
		n, next, err := rb.Read(offset, p, nil)
		if err == ErrClosed {
			return out, offset
		}
		require.NoError(t, err)
		out = append(out, p[:n]...)
		offset = next
	}
}

func TestReadReturnsBytesInWriteOrder(t *testing.T) {
	rb := NewRingBuffer(16)

	rb.Write([]byte("abcd"))
	rb.Write([]byte("efgh"))
	rb.Write([]byte("ij"))
	rb.Close()

	got, _ := drain(t, rb, 0)
	assert.Equal(t, []byte("abcdefghij"), got)
}

func TestReadWrapsAroundCapacity(t *testing.T) {
	rb := NewRingBuffer(8)

	var want []byte
	offset := int64(0)
	var got []byte
	p := make([]byte, 8)

	// interleave writes and reads so the reader never falls behind while the
	// write position wraps several times
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 5)
		want = append(want, chunk...)
		rb.Write(chunk)

		for offset < rb.WriteTotal() {
			n, next, err := rb.Read(offset, p, nil)
			require.NoError(t, err)
			got = append(got, p[:n]...)
			offset = next
		}
	}

	assert.Equal(t, want, got)
}

func TestReadBlocksUntilWrite(t *testing.T) {
	rb := NewRingBuffer(16)

	done := make(chan []byte, 1)
	go func() {
		p := make([]byte, 4)
		n, _, err := rb.Read(0, p, nil)
		if err != nil {
			done <- nil
			return
		}
		done <- p[:n]
	}()

	select {
	case <-done:
		t.Fatal("read returned before any data was written")
	case <-time.After(50 * time.Millisecond):
	}

	rb.Write([]byte("data"))

	select {
	case got := <-done:
		assert.Equal(t, []byte("data"), got)
	case <-time.After(time.Second):
		t.Fatal("read did not wake after write")
	}
}

func TestCloseWakesBlockedReaders(t *testing.T) {
	rb := NewRingBuffer(16)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			p := make([]byte, 4)
			_, _, err := rb.Read(0, p, nil)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	rb.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("blocked reader was not woken by Close")
		}
	}
}

func TestCloseDrainsRemainingDataFirst(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("tail"))
	rb.Close()

	got, offset := drain(t, rb, 0)
	assert.Equal(t, []byte("tail"), got)

	// subsequent reads keep reporting closed
	_, _, err := rb.Read(offset, make([]byte, 4), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlowReaderObservesSingleGap(t *testing.T) {
	// capacity 16, writer appends 20, reader paused at 2 -> one gap,
	// position jumps to 4, rest in order
	rb := NewRingBuffer(16)

	rb.Write(bytes.Repeat([]byte{'x'}, 2))
	offset := int64(0)
	p := make([]byte, 2)
	n, next, err := rb.Read(offset, p, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	offset = next

	var rest []byte
	for i := 0; i < 18; i++ {
		rest = append(rest, byte('a'+i%26))
	}
	rb.Write(rest) // writeTotal is now 20, backlog 18 > capacity 16

	n, next, err = rb.Read(offset, p, nil)
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(4), next)
	offset = next

	rb.Close()
	got, _ := drain(t, rb, offset)
	assert.Equal(t, rest[2:], got, "post-gap reads resume at writeTotal-capacity")
}

func TestWriteLargerThanCapacityKeepsTail(t *testing.T) {
	rb := NewRingBuffer(8)

	big := []byte("0123456789abcdef") // 16 bytes into an 8 byte buffer
	rb.Write(big)
	assert.Equal(t, int64(16), rb.WriteTotal())

	// a fresh reader at 0 is immediately 16 behind: gap to position 8
	_, next, err := rb.Read(0, make([]byte, 8), nil)
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, int64(8), next)

	rb.Close()
	got, _ := drain(t, rb, next)
	assert.Equal(t, []byte("89abcdef"), got)
}

func TestStopFlagUnblocksSingleReader(t *testing.T) {
	rb := NewRingBuffer(16)

	var stop atomic.Bool
	errs := make(chan error, 1)
	go func() {
		_, _, err := rb.Read(0, make([]byte, 4), &stop)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	stop.Store(true)
	rb.Wake()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("stopped reader was not woken")
	}

	// the buffer itself stays usable for other readers
	rb.Write([]byte("more"))
	n, _, err := rb.Read(0, make([]byte, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestIndependentReadersKeepIndependentPositions(t *testing.T) {
	rb := NewRingBuffer(32)
	rb.Write([]byte("abcdefgh"))

	fast := make([]byte, 8)
	n, fastPos, err := rb.Read(0, fast, nil)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	slow := make([]byte, 4)
	n, slowPos, err := rb.Read(0, slow, nil)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	assert.Equal(t, int64(8), fastPos)
	assert.Equal(t, int64(4), slowPos)
	assert.Equal(t, []byte("abcd"), slow[:4])
	assert.Equal(t, []byte("abcdefgh"), fast)
}

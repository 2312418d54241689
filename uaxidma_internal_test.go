package uaxidma

import (
	"testing"
	"time"

	"github.com/DanGala/uaxidma/axidma"
	"github.com/DanGala/uaxidma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testBufferSize = 64

// newTestChannel builds a channel over an in-memory arena and register window
// plus a fake interrupt endpoint. descCount sizes the arena so the ring gets
// exactly that many descriptors.
func newTestChannel(t *testing.T, descCount int, mode axidma.Mode, direction axidma.Direction, irq *fakeIRQ) (*Channel, []byte, []byte) {
	t.Helper()

	arena := make([]byte, descCount*(fakeDescSize+testBufferSize))
	regs := make([]byte, fakeRegWindow)

	ctrl, err := axidma.NewController(
		axidma.Arena{PhysAddr: 0x7000_0000, Mem: arena},
		regs, irq, mode, direction, testBufferSize, test.NewLogger())
	require.NoError(t, err)

	return newChannel(ctrl, test.NewLogger()), arena, regs
}

func TestChannelInitialize(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 4, axidma.Normal, axidma.MM2S, irq)

	e := startFakeEngine(regs, arena, irq, 4, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())
	assert.Equal(t, 4, ch.BufferCount())
	assert.Equal(t, testBufferSize, ch.BufferSize())
}

func TestChannelInitialize_NoEngine(t *testing.T) {
	// Nothing behind the registers: the scatter/gather probe fails.
	ch, _, _ := newTestChannel(t, 2, axidma.Normal, axidma.MM2S, newFakeIRQ())
	assert.Error(t, ch.Initialize())
}

func TestGetBuffer_FirstTransmitIsImmediate(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Normal, axidma.MM2S, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	// Freshly initialized transmit slots are complete by construction, a
	// non-blocking acquisition must succeed without any interrupt.
	buf, err := ch.GetBuffer(0)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Equal(t, 0, buf.Length())
	assert.Equal(t, testBufferSize, buf.Capacity())
}

func TestGetBuffer_BackPressure(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Normal, axidma.MM2S, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	_, err := ch.GetBuffer(-1)
	require.NoError(t, err)
	_, err = ch.GetBuffer(-1)
	require.NoError(t, err)

	// Two outstanding buffers on a two-slot pool: the third acquisition
	// fails fast instead of waiting.
	buf, err := ch.GetBuffer(-1)
	assert.Nil(t, buf)
	assert.ErrorIs(t, err, ErrNoBuffers)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestSubmitAcquireWrapAround(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 3, axidma.Normal, axidma.MM2S, irq)

	e := startFakeEngine(regs, arena, irq, 3, true, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	for cycle := 0; cycle < 10; cycle++ {
		buf, err := ch.GetBuffer(5000)
		require.NoError(t, err, "cycle %d", cycle)

		// The ring is walked strictly in order.
		require.Equal(t, cycle%3, buf.index, "cycle %d", cycle)

		payload := cycle + 1
		copy(buf.Data(), make([]byte, payload))
		require.NoError(t, buf.SetPayload(payload))
		require.NoError(t, ch.SubmitBuffer(buf))

		// The descriptor carries the most recently submitted length.
		got := load32(arena, buf.index*fakeDescSize+fakeDescControl) & fakeBDLenMask
		assert.EqualValues(t, payload, got, "cycle %d", cycle)
	}
}

func TestGetBuffer_ReceiveLength(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 3, axidma.Cyclic, axidma.S2MM, irq)

	e := startFakeEngine(regs, arena, irq, 3, false, 24)
	defer e.close()

	require.NoError(t, ch.Initialize())

	for i := 0; i < 6; i++ {
		buf, err := ch.GetBuffer(5000)
		require.NoError(t, err, "packet %d", i)
		assert.Equal(t, 24, buf.Length(), "packet %d", i)
		require.NoError(t, ch.MarkReusable(buf))
	}
}

func TestGetBuffer_Timeout(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Cyclic, axidma.S2MM, irq)

	// The fabric stays silent: no descriptor ever completes.
	e := startFakeEngine(regs, arena, irq, 2, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	start := time.Now()
	buf, err := ch.GetBuffer(100)
	elapsed := time.Since(start)

	assert.Nil(t, buf)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestGetBuffer_NonBlocking(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Cyclic, axidma.S2MM, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	_, err := ch.GetBuffer(0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDirectionMisuse(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Normal, axidma.MM2S, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 0)
	defer e.close()

	require.NoError(t, ch.Initialize())

	buf, err := ch.GetBuffer(0)
	require.NoError(t, err)

	assert.ErrorIs(t, ch.MarkReusable(buf), ErrWrongDirection)
	require.NoError(t, ch.SubmitBuffer(buf))
}

func TestDirectionMisuse_Receive(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Cyclic, axidma.S2MM, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 16)
	defer e.close()

	require.NoError(t, ch.Initialize())

	buf, err := ch.GetBuffer(5000)
	require.NoError(t, err)

	assert.ErrorIs(t, ch.SubmitBuffer(buf), ErrWrongDirection)
	require.NoError(t, ch.MarkReusable(buf))
}

func TestSingleSlotRing(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 1, axidma.Cyclic, axidma.S2MM, irq)

	e := startFakeEngine(regs, arena, irq, 1, false, 8)
	defer e.close()

	require.NoError(t, ch.Initialize())
	require.Equal(t, 1, ch.BufferCount())

	// A degenerate one-slot ring still cycles.
	for i := 0; i < 3; i++ {
		buf, err := ch.GetBuffer(5000)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, 0, buf.index)
		assert.Equal(t, 8, buf.Length())
		require.NoError(t, ch.MarkReusable(buf))
	}
}

func TestCyclicPoolIsUnlimited(t *testing.T) {
	irq := newFakeIRQ()
	ch, arena, regs := newTestChannel(t, 2, axidma.Cyclic, axidma.S2MM, irq)

	e := startFakeEngine(regs, arena, irq, 2, false, 8)
	defer e.close()

	require.NoError(t, ch.Initialize())

	// In cyclic mode nothing bounds acquisitions, the engine overwrites
	// slots regardless.
	for i := 0; i < 5; i++ {
		_, err := ch.GetBuffer(5000)
		require.NoError(t, err, "acquisition %d", i)
	}
}

func TestParseModeAndDirection(t *testing.T) {
	m, err := ParseMode("cyclic")
	require.NoError(t, err)
	assert.Equal(t, axidma.Cyclic, m)

	_, err = ParseMode("bogus")
	assert.Error(t, err)

	d, err := ParseDirection("mem_to_dev")
	require.NoError(t, err)
	assert.Equal(t, axidma.MM2S, d)

	_, err = ParseDirection("")
	assert.Error(t, err)
}

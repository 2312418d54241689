package axidma

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Direction selects which of the two channel register mirrors a controller
// owns and which way payload data flows.
type Direction int

const (
	// MM2S moves data from host memory to the fabric.
	MM2S Direction = iota
	// S2MM moves data from the fabric to host memory.
	S2MM
)

func (d Direction) String() string {
	switch d {
	case MM2S:
		return "mm2s"
	case S2MM:
		return "s2mm"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mode selects how the engine walks the descriptor ring.
type Mode int

const (
	// Normal stops the engine at the tail descriptor; every transfer needs a
	// new tail-pointer write.
	Normal Mode = iota
	// Cyclic makes the engine loop over the ring forever once started.
	Cyclic
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Cyclic:
		return "cyclic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	// ErrTimeout is returned by PollInterrupt when no interrupt arrived
	// within the requested time.
	ErrTimeout = errors.New("timed out waiting for an interrupt")

	// ErrResetTimeout is returned when the engine did not leave its reset
	// state within the spin budget. The engine is in an undefined state and
	// the controller should not be used further.
	ErrResetTimeout = errors.New("engine did not come out of reset")

	// ErrHaltTimeout is returned when the engine did not halt within the spin
	// budget after clearing the run bit.
	ErrHaltTimeout = errors.New("engine did not halt")

	// ErrNoSGEngine is returned when the core was synthesized without the
	// scatter/gather engine.
	ErrNoSGEngine = errors.New("core does not include the scatter/gather engine")

	// ErrArenaTooSmall is returned when the coherent arena cannot hold a
	// single descriptor and payload buffer pair.
	ErrArenaTooSmall = errors.New("coherent arena cannot hold a single descriptor/buffer pair")
)

// resetSpinLimit bounds the busy waits for self-clearing hardware state in
// Reset and Stop.
const resetSpinLimit = 128

// Arena is a physically contiguous, DMA-coherent memory region with a known
// physical base address, shared between the CPU and the engine. The udmabuf
// package produces one.
type Arena struct {
	// PhysAddr is the physical base address of the region. Must not be zero.
	PhysAddr uintptr
	// Mem is the read-write virtual mapping of the same region.
	Mem []byte
}

// InterruptEndpoint is the interrupt line of the engine, exposed as the UIO
// file-descriptor protocol: masking and unmasking rearm the line, waiting
// consumes one interrupt. The uio package produces one.
type InterruptEndpoint interface {
	MaskIRQ() error
	UnmaskIRQ() error
	// WaitIRQ blocks until an interrupt arrives or timeoutMs milliseconds
	// pass (-1 blocks indefinitely, 0 polls). It returns false with a nil
	// error on timeout. Signal interruptions are retried internally.
	WaitIRQ(timeoutMs int) (bool, error)
}

// Controller owns one channel of the engine: its register mirror, its
// interrupt line and the coherent arena holding the descriptor ring and the
// payload buffers.
//
// A controller is not safe for concurrent use. Two controllers (one MM2S, one
// S2MM) may run in different goroutines as long as they own disjoint register
// windows, interrupt endpoints and arenas.
type Controller struct {
	arena Arena
	regs  *registerFile
	ch    channelRegisters
	irq   InterruptEndpoint

	mode       Mode
	direction  Direction
	bufferSize int

	ring        *descriptorRing
	initialized bool

	l *logrus.Logger
}

// NewController wires a controller over an already mapped register window,
// interrupt endpoint and coherent arena.
//
// Unless the core has the data realignment engine, buffer addresses must be
// aligned to the 64-bit AXI bus, so bufferSize is rounded up to a multiple of
// 8 bytes.
func NewController(arena Arena, regWindow []byte, irq InterruptEndpoint, mode Mode, direction Direction, bufferSize int, l *logrus.Logger) (*Controller, error) {
	if arena.PhysAddr == 0 {
		return nil, errors.New("arena has no physical address")
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size %d is not positive", bufferSize)
	}

	regs, err := newRegisterFile(regWindow)
	if err != nil {
		return nil, err
	}

	if r := bufferSize % 8; r != 0 {
		bufferSize += 8 - r
	}

	return &Controller{
		arena:      arena,
		regs:       regs,
		ch:         regs.channel(direction),
		irq:        irq,
		mode:       mode,
		direction:  direction,
		bufferSize: bufferSize,
		l:          l,
	}, nil
}

// Initialize lays out the descriptor ring in the arena and writes the per
// descriptor defaults. It must be called once before Start; further calls are
// no-ops.
func (c *Controller) Initialize() error {
	if c.initialized {
		return nil
	}

	if c.bufferSize > MaxBufferLen {
		return fmt.Errorf("buffer size %d exceeds the descriptor length field (max %d)", c.bufferSize, MaxBufferLen)
	}

	if c.ch.status()&statusSGIncluded == 0 {
		return ErrNoSGEngine
	}

	// Descriptors sit at the base of the arena, the payload buffers follow
	// the last descriptor.
	count := len(c.arena.Mem) / (descriptorSize + c.bufferSize)
	if count == 0 {
		return ErrArenaTooSmall
	}

	c.ring = newDescriptorRing(c.arena.Mem, c.arena.PhysAddr, count, c.bufferSize)
	c.ring.initialize(c.direction)
	c.initialized = true

	c.l.WithFields(logrus.Fields{
		"direction":  c.direction,
		"mode":       c.mode,
		"buffers":    count,
		"bufferSize": c.bufferSize,
	}).Info("Descriptor ring initialized")

	return nil
}

// Start brings the engine out of reset and into its configured mode. In
// normal mode the engine stays idle until the first TransferBuffer; in cyclic
// mode it walks the ring on its own from here on.
func (c *Controller) Start() error {
	switch c.mode {
	case Cyclic:
		return c.startCyclic()
	default:
		return c.startNormal()
	}
}

// Reset soft-resets the whole engine. Either register mirror works, the reset
// is not per-channel.
func (c *Controller) Reset() error {
	mm2s := c.regs.channel(MM2S)
	mm2s.setControlFlags(controlReset)

	for spin := resetSpinLimit; mm2s.control()&controlReset != 0; spin-- {
		if spin == 0 {
			return ErrResetTimeout
		}
		runtime.Gosched()
	}

	return nil
}

// Stop requests a halt and waits for the engine to acknowledge it.
func (c *Controller) Stop() error {
	c.ch.clearControlFlags(controlRunStop)

	for spin := resetSpinLimit; c.ch.status()&statusHalted == 0; spin-- {
		if spin == 0 {
			return ErrHaltTimeout
		}
		runtime.Gosched()
	}

	return nil
}

func (c *Controller) startNormal() error {
	if err := c.Reset(); err != nil {
		return err
	}

	// One interrupt per completed descriptor, non-cyclic: the engine will
	// stall once every submitted descriptor is complete.
	c.ch.setControlFlags(controlIOCIrqEn | controlErrIrqEn)
	c.ch.setIRQThreshold(1)

	c.ch.writeCurrentDesc(uint64(c.ring.descPhysAddr(0)))

	// Run, but leave the tail pointer alone; the engine fetches nothing
	// until the first transfer commits a tail.
	c.ch.setControlFlags(controlRunStop)

	return nil
}

func (c *Controller) startCyclic() error {
	if err := c.Reset(); err != nil {
		return err
	}

	c.ch.setControlFlags(controlCyclic | controlIOCIrqEn | controlErrIrqEn)
	c.ch.setIRQThreshold(1)

	c.ch.writeCurrentDesc(uint64(c.ring.descPhysAddr(0)))

	c.ch.setControlFlags(controlRunStop)

	c.ch.writeTailHigh(0)

	// Interrupts stay masked until the first PollInterrupt unmasks them.
	if err := c.irq.MaskIRQ(); err != nil {
		return fmt.Errorf("mask interrupt: %w", err)
	}

	// In cyclic mode the tail value itself is ignored, only the write edge
	// triggers the first descriptor fetch. A value outside the chain keeps
	// the engine from ever matching it. The low-half store orders after the
	// ring writes above.
	c.ch.writeTailLow(0xffffffff)

	return nil
}

// CleanInterrupt acknowledges any pending interrupt-on-complete or error
// interrupt in the channel status register. Acknowledging an already clear
// interrupt is harmless.
func (c *Controller) CleanInterrupt() {
	c.ch.ackInterrupts(statusIOCIrq | statusErrIrq)
}

// PollInterrupt unmasks the interrupt line and waits for the next interrupt.
// It returns nil once an interrupt was consumed, ErrTimeout when timeoutMs
// milliseconds (-1 blocks indefinitely, 0 polls) passed without one, and any
// other error as-is. On timeout the interrupt may remain unmasked.
func (c *Controller) PollInterrupt(timeoutMs int) error {
	if err := c.irq.UnmaskIRQ(); err != nil {
		return fmt.Errorf("unmask interrupt: %w", err)
	}

	fired, err := c.irq.WaitIRQ(timeoutMs)
	if err != nil {
		return err
	}
	if !fired {
		return ErrTimeout
	}

	return nil
}

// TransferBuffer hands descriptor i to the engine for a mem-to-dev transfer
// of n payload bytes. The descriptor is rearmed, then the tail pointer is
// committed; the engine fetches and processes the descriptor from there.
func (c *Controller) TransferBuffer(i, n int) {
	d := &c.ring.descriptors[i]

	// One AXI packet per buffer.
	d.setControlFlags(bdControlSOF | bdControlEOF)
	d.setBufferLen(n)
	d.clearStatusFlags(bdStatusComplete | bdStatusDMAErrors)

	// The low-half tail store publishes the descriptor and payload writes
	// above to the engine.
	c.regs.channel(MM2S).writeTailDesc(uint64(c.ring.descPhysAddr(i)))
}

// BufferComplete reports whether the engine has completed descriptor i.
func (c *Controller) BufferComplete(i int) bool {
	return c.ring.descriptors[i].complete()
}

// ClearCompleteFlag rearms descriptor i for the next completion.
func (c *Controller) ClearCompleteFlag(i int) {
	c.ring.descriptors[i].clearStatusFlags(bdStatusComplete)
}

// BufferLen returns the number of bytes the engine transferred for
// descriptor i.
func (c *Controller) BufferLen(i int) int {
	return c.ring.descriptors[i].transferredBytes()
}

// BufferBytes returns the virtual view of the payload buffer behind
// descriptor i.
func (c *Controller) BufferBytes(i int) []byte {
	off := c.ring.tableBytes() + i*c.bufferSize
	return c.arena.Mem[off : off+c.bufferSize : off+c.bufferSize]
}

// BufferCount returns the number of descriptor/buffer pairs in the ring.
func (c *Controller) BufferCount() int {
	return c.ring.count()
}

// BufferSize returns the payload capacity of each buffer, after bus-width
// alignment.
func (c *Controller) BufferSize() int {
	return c.bufferSize
}

// Direction returns the channel direction this controller drives.
func (c *Controller) Direction() Direction {
	return c.direction
}

// Mode returns the operating mode this controller was configured with.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Close resets the engine so it stops touching the arena. The register
// window, interrupt endpoint and arena are owned by their producers and stay
// open.
func (c *Controller) Close() error {
	return c.Reset()
}
